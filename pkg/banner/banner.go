package banner

import (
	"fmt"

	"convosync/pkg/config"
)

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██╗   ██╗ ██████╗ ███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔════╝██╔═══██╗████╗  ██║██║   ██║██╔═══██╗██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ██║   ██║██╔██╗ ██║██║   ██║██║   ██║███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║     ██║   ██║██║╚██╗██║╚██╗ ██╔╝██║   ██║╚════██║  ╚██╔╝  ██║╚██╗██║██║
╚██████╗╚██████╔╝██║ ╚████║ ╚████╔╝ ╚██████╔╝███████║   ██║   ██║ ╚████║╚██████╗
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝  ╚═══╝   ╚═════╝ ╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// Print shows the startup banner with the effective runtime settings.
func Print(cfg *config.Config, version, source string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Ops HTTP:  %s\n", cfg.Addr())
	fmt.Printf("Outbox DB: %s\n", cfg.Storage.DBPath)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:    %s\n", source)
	}

	fmt.Println("\n== Checks =====================================================")
	if cfg.Backend.RecordStoreURL != "" {
		fmt.Printf("- Record store: %s\n", cfg.Backend.RecordStoreURL)
	} else {
		fmt.Println("- Record store: MISSING (set backend.record_store_url)")
	}
	if cfg.Backend.GatewayURL != "" {
		fmt.Printf("- Delivery gateway: %s\n", cfg.Backend.GatewayURL)
	} else {
		fmt.Println("- Delivery gateway: MISSING (set backend.gateway_url)")
	}
	if cfg.Realtime.URL != "" {
		fmt.Printf("- Realtime: %s\n", cfg.Realtime.URL)
	} else {
		fmt.Println("- Realtime: disabled (set realtime.url to enable push events)")
	}
	if cfg.Backend.APIKey != "" {
		fmt.Println("- API key: OK")
	} else {
		fmt.Println("- API key: MISSING (required against hosted backends)")
	}
	if cfg.Sweeper.Enabled {
		fmt.Printf("- Sweeper: enabled (cron=%s)\n", cfg.Sweeper.Cron)
	} else {
		fmt.Println("- Sweeper: disabled")
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /healthz         - liveness")
	fmt.Println("GET  /statusz         - engine, realtime and outbox snapshot")
	fmt.Println("POST /outbox/retry    - reset failed sends and drain")
	fmt.Println("POST /outbox/clear    - discard failed sends")
	fmt.Println("POST /sweeper/run     - run the maintenance sweep now")
	fmt.Println("GET  /metrics         - prometheus metrics")

	fmt.Println("\n== Logs: =================================================")
}
