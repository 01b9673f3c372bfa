package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Devices are MAC addresses to pre-register as module records.
	Devices []string
}

// SeedDev registers placeholder devices so a dev server has something for
// the heartbeat monitor to watch. Existing records are left alone.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC()
	nowMs := now.UnixMilli()

	for i, mac := range opt.Devices {
		mac = strings.TrimSpace(mac)
		if mac == "" {
			continue
		}
		body, err := json.Marshal(map[string]any{
			"mac":           mac,
			"name":          fmt.Sprintf("Dev module %d", i+1),
			"lang":          "en",
			"gcp_timestamp": now.Unix(),
		})
		if err != nil {
			return fmt.Errorf("seed module %s: %w", mac, err)
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO records(category, key, fields, created_at_ms, updated_at_ms)
VALUES ('module', ?, ?, ?, ?);
`, mac, string(body), nowMs, nowMs); err != nil {
			return fmt.Errorf("seed module %s: %w", mac, err)
		}
	}
	return nil
}
