package credentials

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"gopkg.in/yaml.v3"
)

const (
	secretsBusName     = "org.freedesktop.secrets"
	secretsObjectPath  = dbus.ObjectPath("/org/freedesktop/secrets")
	defaultCollection  = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")
	serviceIface       = "org.freedesktop.Secret.Service"
	collectionIface    = "org.freedesktop.Secret.Collection"
	itemIface          = "org.freedesktop.Secret.Item"
	schemaAttrKey      = "xdg:schema"
	rdpSchemaName      = "org.gnome.RemoteDesktop.RdpCredentials"
	vncSchemaName      = "org.gnome.RemoteDesktop.VncCredentials"
	vncLegacySchema    = "org.gnome.RemoteDesktop.VncPassword"
)

// secretStruct is the (oayays) "Secret" struct from the Secret Service
// D-Bus API: session object path, algorithm parameters, secret value,
// content type.
type secretStruct struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// SecretServiceStore talks to the freedesktop.org Secret Service over
// D-Bus using the unencrypted ("plain") session algorithm, standing in
// for libsecret (§4.9 "Platform secret store"). One session is opened at
// construction and reused for every call.
type SecretServiceStore struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// NewSecretServiceStore opens a session-bus connection and negotiates a
// plain Secret Service session, then migrates the legacy VNC password
// schema if present, matching grd_credentials_libsecret_constructed.
func NewSecretServiceStore() (*SecretServiceStore, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("credentials: connect to session bus: %w", err)
	}

	service := conn.Object(secretsBusName, secretsObjectPath)
	var output dbus.Variant
	var sessionPath dbus.ObjectPath
	if err := service.Call(serviceIface+".OpenSession", 0, "plain", dbus.MakeVariant("")).Store(&output, &sessionPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("credentials: open secret-service session: %w", err)
	}

	s := &SecretServiceStore{conn: conn, session: sessionPath}
	s.migrateLegacyVNC()
	return s, nil
}

func schemaFor(kind Kind) string {
	if kind == KindVNC {
		return vncSchemaName
	}
	return rdpSchemaName
}

func descriptionFor(kind Kind) string {
	if kind == KindVNC {
		return "GNOME Remote Desktop VNC password"
	}
	return "GNOME Remote Desktop RDP credentials"
}

func (s *SecretServiceStore) collection() dbus.BusObject {
	return s.conn.Object(secretsBusName, defaultCollection)
}

func (s *SecretServiceStore) searchBySchema(schema string) ([]dbus.ObjectPath, error) {
	service := s.conn.Object(secretsBusName, secretsObjectPath)
	attrs := map[string]string{schemaAttrKey: schema}

	var unlocked, locked []dbus.ObjectPath
	if err := service.Call(serviceIface+".SearchItems", 0, attrs).Store(&unlocked, &locked); err != nil {
		return nil, fmt.Errorf("credentials: search secret-service items: %w", err)
	}
	return unlocked, nil
}

func (s *SecretServiceStore) Store(kind Kind, value Value) error {
	serialized, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("credentials: serialize value: %w", err)
	}

	schema := schemaFor(kind)
	properties := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant(descriptionFor(kind)),
		"org.freedesktop.Secret.Item.Attributes":  dbus.MakeVariant(map[string]string{schemaAttrKey: schema}),
	}
	secret := secretStruct{Session: s.session, Value: serialized, ContentType: "text/plain"}

	var item, prompt dbus.ObjectPath
	call := s.collection().Call(collectionIface+".CreateItem", 0, properties, secret, true)
	if err := call.Store(&item, &prompt); err != nil {
		return fmt.Errorf("credentials: create secret-service item: %w", err)
	}
	return nil
}

func (s *SecretServiceStore) Lookup(kind Kind) (Value, error) {
	paths, err := s.searchBySchema(schemaFor(kind))
	if err != nil {
		return Value{}, err
	}
	if len(paths) == 0 {
		return Value{}, notFound(kind)
	}

	item := s.conn.Object(secretsBusName, paths[0])
	var secret secretStruct
	if err := item.Call(itemIface+".GetSecret", 0, s.session).Store(&secret); err != nil {
		return Value{}, fmt.Errorf("credentials: read secret-service item: %w", err)
	}

	var value Value
	if err := yaml.Unmarshal(secret.Value, &value); err != nil {
		return Value{}, fmt.Errorf("credentials: parse stored value: %w", err)
	}
	return value, nil
}

func (s *SecretServiceStore) Clear(kind Kind) error {
	paths, err := s.searchBySchema(schemaFor(kind))
	if err != nil {
		return err
	}
	for _, path := range paths {
		item := s.conn.Object(secretsBusName, path)
		var prompt dbus.ObjectPath
		if err := item.Call(itemIface+".Delete", 0).Store(&prompt); err != nil {
			return fmt.Errorf("credentials: delete secret-service item: %w", err)
		}
	}
	return nil
}

// migrateLegacyVNC looks up the pre-schema-split VNC password item and,
// if present, re-stores it under the current VNC schema and removes the
// legacy entry, matching maybe_migrate_legacy_vnc_password. Failures are
// logged, not propagated: migration is best-effort.
func (s *SecretServiceStore) migrateLegacyVNC() {
	paths, err := s.searchBySchema(vncLegacySchema)
	if err != nil || len(paths) == 0 {
		return
	}

	item := s.conn.Object(secretsBusName, paths[0])
	var secret secretStruct
	if err := item.Call(itemIface+".GetSecret", 0, s.session).Store(&secret); err != nil {
		log.Warn("failed to look up legacy VNC password schema", "error", err)
		return
	}

	log.Info("migrating VNC password to new schema")
	if err := s.Store(KindVNC, Value{Password: string(secret.Value)}); err != nil {
		log.Warn("failed to migrate VNC password to new schema", "error", err)
		return
	}

	var prompt dbus.ObjectPath
	if err := item.Call(itemIface+".Delete", 0).Store(&prompt); err != nil {
		log.Warn("failed to clear VNC password from old schema", "error", err)
		return
	}
	log.Info("VNC password migration complete")
}
