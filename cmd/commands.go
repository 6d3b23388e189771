package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coldchain-monitor/internal/db"
	"coldchain-monitor/internal/models"
	"coldchain-monitor/internal/parser"

	"github.com/spf13/cobra"
)

// ingestCmd replays buffered gateway payloads from files
func ingestCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Replay buffered telemetry payloads from JSON or NDJSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			// no live subscribers in a one-shot replay
			svc := newIngestService(cfg, logger, nil)
			p := parser.NewParser(format)
			totalFrames := 0
			totalErrors := 0
			totalAlerts := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				br, err := svc.IngestBatch(cmd.Context(), records)
				if err != nil {
					return err
				}
				for _, e := range br.Errors {
					fmt.Printf("  line %d: %v\n", e.Line, e.Err)
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Stored %d frames in %v (%.0f frames/sec), %d alerts opened\n",
					br.Accepted, elapsed, float64(br.Accepted)/elapsed.Seconds(), br.AlertsGenerated)
				totalFrames += br.Accepted
				totalErrors += br.Rejected
				totalAlerts += br.AlertsGenerated
			}

			fmt.Printf("\nTotal: %d frames ingested, %d alerts opened", totalFrames, totalAlerts)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "File format (json, jsonl, auto)")
	return cmd
}

// samplePayload builds a realistic frame for a chilled chicken consignment.
// Most readings sit in the 2-4 °C band; some drift warm or into the warning zone.
func samplePayload(gatewayID, tripID, nodeID string, now time.Time) map[string]any {
	var temp float64
	switch r := rand.Intn(6); {
	case r < 4:
		temp = 2 + rand.Float64()*2
	case r == 4:
		temp = 5 + rand.Float64()*2
	default:
		temp = 7.5 + rand.Float64()*1.5
	}

	return map[string]any{
		"gateway_id": gatewayID,
		"trip_id":    tripID,
		"timestamp":  now.UTC().Format(time.RFC3339),
		"location": map[string]any{
			"lat":         13.0827 + (rand.Float64()-0.5)*0.02,
			"lng":         80.2707 + (rand.Float64()-0.5)*0.02,
			"speed_kmh":   40 + rand.Float64()*40,
			"heading_deg": rand.Intn(360),
			"satellites":  6 + rand.Intn(7),
		},
		"gateway_health": map[string]any{
			"battery_mv":          3600 + rand.Intn(600),
			"signal_strength_dbm": -80 + rand.Intn(31),
			"uptime_seconds":      1000 + rand.Intn(49000),
			"cpu_temp_c":          35 + rand.Float64()*20,
		},
		"cargo_sensors": []map[string]any{{
			"node_id":      nodeID,
			"product_type": "Chicken Package",
			"temp_c":       float64(int(temp*10)) / 10,
			"battery_pct":  70 + rand.Intn(31),
			"link_quality": -75 + rand.Intn(16),
		}},
	}
}

// simulateCmd posts generated frames to a running server
func simulateCmd() *cobra.Command {
	var url string
	var count int
	var interval time.Duration
	var gatewayID, tripID, nodeID string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send generated gateway frames to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			sent, failed := 0, 0

			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(interval):
					}
				}

				body, err := json.Marshal(samplePayload(gatewayID, tripID, nodeID, time.Now()))
				if err != nil {
					return err
				}
				resp, err := client.Post(url, "application/json", bytes.NewReader(body))
				if err != nil {
					fmt.Printf("[%d/%d] ✗ could not reach %s: %v\n", i+1, count, url, err)
					failed++
					continue
				}

				var out struct {
					Success bool                `json:"success"`
					Data    models.IngestResult `json:"data"`
					Error   string              `json:"error"`
				}
				json.NewDecoder(resp.Body).Decode(&out)
				resp.Body.Close()

				if resp.StatusCode != http.StatusCreated {
					fmt.Printf("[%d/%d] ✗ %d %s\n", i+1, count, resp.StatusCode, out.Error)
					failed++
					continue
				}
				sent++
				fmt.Printf("[%d/%d] ✓ frame %d stored, %d alerts opened\n",
					i+1, count, out.Data.FrameID, out.Data.AlertsGenerated)
			}

			fmt.Printf("\nSent %d frames", sent)
			if failed > 0 {
				fmt.Printf(", %d failed", failed)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/api/v1/telemetry", "Telemetry endpoint")
	cmd.Flags().IntVarP(&count, "count", "c", 10, "Number of frames to send")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "Delay between frames")
	cmd.Flags().StringVar(&gatewayID, "gateway", "TRUCK-402", "Gateway ID")
	cmd.Flags().StringVar(&tripID, "trip", "TRIP-CHN-BLR-05", "Trip ID")
	cmd.Flags().StringVar(&nodeID, "node", "CHICKEN-PKG-001", "Cargo sensor node ID")
	return cmd
}

// seedCmd registers the demo truck and its route
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register the demo truck profile and trip route",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			now := time.Now()
			truck, err := database.SaveTruckProfile(ctx, "TRUCK-402", db.TruckProfile{
				PlateNumber:       "TN-01-AB-1234",
				DriverName:        "Rajesh Kumar",
				TruckModel:        "Tata 407 Reefer",
				RefrigerationUnit: "Carrier Transicold",
			}, now)
			if err != nil {
				return fmt.Errorf("error saving truck: %w", err)
			}
			trip, err := database.SaveTripRoute(ctx, "TRIP-CHN-BLR-05", truck.GatewayID, "Chennai", "Bangalore", now)
			if err != nil {
				return fmt.Errorf("error saving trip: %w", err)
			}

			fmt.Printf("✓ Truck %s (%s, %s)\n", truck.GatewayID, truck.PlateNumber, truck.DriverName)
			fmt.Printf("✓ Trip %s: %s → %s [%s]\n", trip.TripID, trip.Origin, trip.Destination, trip.Status)
			return nil
		},
	}
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Cold-chain Monitor Statistics")
			fmt.Println("================================")
			fmt.Printf("  Trucks:           %d\n", stats.Trucks)
			fmt.Printf("  Trips:            %d (%d active)\n", stats.Trips, stats.ActiveTrips)
			fmt.Printf("  Frames:           %d\n", stats.Frames)
			fmt.Printf("  Sensor Readings:  %d\n", stats.Readings)
			fmt.Printf("  Open Alerts:      %d\n", stats.OpenAlerts)
			fmt.Printf("  Resolved Alerts:  %d\n", stats.ClosedAlerts)
			fmt.Printf("  Database:         %s\n", dbPath)

			return nil
		},
	}
}

// tripsCmd manages trips
func tripsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trips",
		Short: "Trip commands",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			trips, err := database.ListTrips(cmd.Context(), strings.ToUpper(status))
			if err != nil {
				return fmt.Errorf("error listing trips: %w", err)
			}
			if len(trips) == 0 {
				fmt.Println("No trips found. Use 'coldchain-monitor simulate' against a running server to create one.")
				return nil
			}

			fmt.Printf("%-20s %-12s %-10s %-8s %-8s %s\n", "TRIP", "GATEWAY", "STATUS", "FRAMES", "ALERTS", "STARTED")
			for _, t := range trips {
				fmt.Printf("%-20s %-12s %-10s %-8d %-8d %s\n",
					t.TripID, t.GatewayID, t.Status, t.TotalFrames, t.AlertCount,
					t.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	listCmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (ACTIVE, COMPLETED)")

	cmd.AddCommand(listCmd)
	return cmd
}

// alertsCmd manages alerts
func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Alert commands",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			alerts, err := database.ListOpenAlerts(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("error listing alerts: %w", err)
			}
			if len(alerts) == 0 {
				fmt.Println("No open alerts.")
				return nil
			}

			for _, a := range alerts {
				fmt.Printf("#%-5d [%s] %-20s %-16s %s\n", a.ID, a.Severity, a.TripID, a.NodeID, a.Message)
			}
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", db.DefaultAlertLimit, "Maximum alerts to show")

	resolveCmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Resolve an open alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid alert id %q", args[0])
			}
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			alert, err := newIngestService(cfg, logger, nil).ResolveAlert(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("error resolving alert %d: %w", id, err)
			}
			fmt.Printf("✓ Alert #%d (%s on %s) resolved at %s\n",
				alert.ID, alert.AlertType, alert.NodeID, alert.ResolvedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.AddCommand(listCmd, resolveCmd)
	return cmd
}
