package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value stores the result as JSONB.
func (r AuthenticationResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan reads a JSONB result column.
func (r *AuthenticationResult) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported result column type %T", src)
	}
}
