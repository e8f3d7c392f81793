package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the SQLite database at path and runs migrations.
func Init(path string) error {
	dbDir := filepath.Dir(path)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Node{}, &Tunnel{}, &Usage{}, &Setting{}, &AdminUser{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Node helpers

func GetNode(id string) (*Node, error) {
	var n Node
	if err := DB.Where("id = ?", id).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

func GetNodeByFingerprint(fp string) (*Node, error) {
	var n Node
	if err := DB.Where("fingerprint = ?", fp).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

func ListNodes() ([]Node, error) {
	var nodes []Node
	if err := DB.Order("created_at").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// TunnelsReferencingNode counts tunnels bound to the node on any side.
func TunnelsReferencingNode(nodeID string) (int64, error) {
	var count int64
	err := DB.Model(&Tunnel{}).
		Where("node_id = ? OR iran_node_id = ? OR foreign_node_id = ?", nodeID, nodeID, nodeID).
		Count(&count).Error
	return count, err
}

// Tunnel helpers

func GetTunnel(id string) (*Tunnel, error) {
	var t Tunnel
	if err := DB.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func ListTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	if err := DB.Order("created_at").Find(&tunnels).Error; err != nil {
		return nil, err
	}
	return tunnels, nil
}

func ListActiveTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	if err := DB.Where("status = ?", "active").Order("created_at").Find(&tunnels).Error; err != nil {
		return nil, err
	}
	return tunnels, nil
}

// SaveTunnelSpec rewrites the tunnel's spec column. The SpecMap valuer
// serializes on every save, so nested mutations are always persisted.
func SaveTunnelSpec(t *Tunnel) error {
	return DB.Model(t).Update("spec", t.Spec).Error
}

// Admin user helpers

func CreateAdminUser(u *AdminUser) error {
	return DB.Create(u).Error
}

func GetAdminByUsername(username string) (*AdminUser, error) {
	var u AdminUser
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func UpdateAdminPassword(id uint, hash string) error {
	return DB.Model(&AdminUser{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func CountAdmins() (int64, error) {
	var count int64
	err := DB.Model(&AdminUser{}).Count(&count).Error
	return count, err
}

// Settings helpers

func GetSetting(key string) (SpecMap, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return nil, err
	}
	return s.Value, nil
}

func SetSetting(key string, value SpecMap) error {
	return DB.Where("key = ?", key).
		Assign(Setting{Key: key, Value: value}).
		FirstOrCreate(&Setting{Key: key}).Error
}
