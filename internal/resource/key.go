// Package resource defines the identifiers shared by the locking, sync, and
// persistence layers.
//
// A resource (typically a video) owns one working-copy database per database
// name. The (tenant, resource, database name) triple is the unit of locking
// and synchronization everywhere in annosync.
package resource

import (
	"fmt"
	"strings"
)

// DBName identifies one of the independently lockable databases a resource owns.
type DBName string

const (
	// DBLayout is the layout-annotation database.
	DBLayout DBName = "layout"

	// DBCaptions is the caption database.
	DBCaptions DBName = "captions"
)

// KnownDBNames lists every database name the coordinator will lock and sync.
var KnownDBNames = []DBName{DBLayout, DBCaptions}

// Valid reports whether the database name is one of the known set.
func (n DBName) Valid() bool {
	for _, known := range KnownDBNames {
		if n == known {
			return true
		}
	}
	return false
}

// Key identifies a single lockable working copy.
type Key struct {
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	DB         DBName `json:"db"`
}

// NewKey builds a Key and validates its parts.
func NewKey(tenantID, resourceID string, db DBName) (Key, error) {
	k := Key{TenantID: tenantID, ResourceID: resourceID, DB: db}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that all three parts are present and the database name is known.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if k.ResourceID == "" {
		return fmt.Errorf("resource id cannot be empty")
	}
	if !k.DB.Valid() {
		return fmt.Errorf("unknown database name %q", k.DB)
	}
	return nil
}

// String renders the key as tenant/resource/db, the form used in logs and
// object-store paths.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ResourceID, k.DB)
}

// ParseKey parses the tenant/resource/db form produced by String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed resource key %q", s)
	}
	return NewKey(parts[0], parts[1], DBName(parts[2]))
}
