package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SpecMap is a JSON object column. Gorm persists it as TEXT; key order is
// irrelevant and nested arrays round-trip.
type SpecMap map[string]interface{}

func (m SpecMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *SpecMap) Scan(value interface{}) error {
	if value == nil {
		*m = SpecMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported spec column type %T", value)
	}
	if len(data) == 0 {
		*m = SpecMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Copy returns a shallow copy so derived specs never mutate the stored one.
func (m SpecMap) Copy() SpecMap {
	out := make(SpecMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Node struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Fingerprint string    `gorm:"uniqueIndex;not null" json:"fingerprint"`
	Status      string    `gorm:"not null;default:active" json:"status"`
	Metadata    SpecMap   `gorm:"type:text" json:"metadata"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MetaString returns a string metadata value or "".
func (n *Node) MetaString(key string) string {
	if n.Metadata == nil {
		return ""
	}
	if s, ok := n.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Role returns the node's configured role, defaulting to "iran".
func (n *Node) Role() string {
	if r := n.MetaString("role"); r != "" {
		return r
	}
	return "iran"
}

// APIAddress returns the node's agent address, deriving it from ip_address
// and api_port when not explicitly set.
func (n *Node) APIAddress() string {
	if addr := n.MetaString("api_address"); addr != "" {
		return addr
	}
	host := n.MetaString("ip_address")
	if host == "" {
		host = n.Fingerprint
	}
	port := 8888
	switch v := n.Metadata["api_port"].(type) {
	case float64:
		port = int(v)
	case int:
		port = v
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

type Tunnel struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	Name          string    `gorm:"not null" json:"name"`
	Core          string    `gorm:"not null" json:"core"`
	Type          string    `gorm:"not null" json:"type"`
	NodeID        string    `gorm:"index" json:"node_id"`
	IranNodeID    string    `gorm:"index" json:"iran_node_id,omitempty"`
	ForeignNodeID string    `gorm:"index" json:"foreign_node_id,omitempty"`
	Spec          SpecMap   `gorm:"type:text" json:"spec"`
	Status        string    `gorm:"not null;default:pending" json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Revision      int       `gorm:"not null;default:0" json:"revision"`
	UsedMB        float64   `gorm:"not null;default:0" json:"used_mb"`
	QuotaMB       float64   `gorm:"not null;default:0" json:"quota_mb"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsReverse reports whether the tunnel's core needs an iran/foreign node pair.
func (t *Tunnel) IsReverse() bool {
	switch t.Core {
	case "rathole", "backhaul", "chisel", "frp":
		return true
	}
	return false
}

type Usage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TunnelID  string    `gorm:"index;not null" json:"tunnel_id"`
	NodeID    string    `gorm:"index" json:"node_id"`
	BytesUsed int64     `gorm:"not null" json:"bytes_used"`
	Timestamp time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
}

type AdminUser struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     SpecMap   `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
