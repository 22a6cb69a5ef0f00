package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/domain"
	"parley/internal/events"
	"parley/internal/exchange"
	"parley/internal/feed"
	"parley/internal/gateway"
	"parley/internal/migrate"
	"parley/internal/repo"
	"parley/internal/server"
	parleysdk "parley/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley CLI",
	Long: `Parley coordinates multi-party negotiations between autonomous participants.
An exchange runs in beats: each beat the orchestrator asks every participant
for its current capabilities, turns them into a small ranked option set with
one default, collects choices until the deadline, and resolves them into an
immutable outcome. Silent participants fall back to their default, so a
negotiation always concludes.

Registries for participants and affordances live in the workspace database
(.parley/parley.db); 'parley serve' hosts the HTTP API and recovers any
exchanges that were in flight when the process last stopped.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("debug") {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PARLEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server URL for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(exchangeCmd())
	rootCmd.AddCommand(choiceCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(affordanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			bus := feed.NewBus()
			defer bus.Close()
			sup := exchange.NewSupervisor(exchange.Deps{
				DB:      conn,
				Repo:    r,
				Events:  events.Writer{DB: conn},
				Bus:     bus,
				Gateway: gateway.Bounded{Inner: gateway.Repo{Repo: r}, Timeout: cfg.GatewayTimeout()},
				Config:  cfg,
				Logger:  slog.Default(),
				Consume: func(ctx context.Context, id string) error {
					err := r.DeleteAffordance(ctx, id)
					if errors.Is(err, repo.ErrNotFound) {
						return nil
					}
					return err
				},
			})
			defer sup.Close()

			recovered, err := sup.Recover(cmd.Context())
			if err != nil {
				return err
			}
			if recovered > 0 {
				fmt.Printf("Recovered %d in-flight exchange(s)\n", recovered)
			}

			handler, err := server.New(server.Config{
				Supervisor: sup,
				Repo:       r,
				Bus:        bus,
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: os.Getenv("PARLEY_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Parley API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- run (local, no server) ---

func runCmd() *cobra.Command {
	var participants []string
	var area string
	var beatMS int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one exchange locally and print its beats",
		Long:  "Runs a single exchange in-process using registered participants, printing every beat's option sets and outcomes until aftermath. Static participants resolve by default each beat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(participants) < 2 {
				return fmt.Errorf("--participant must be given at least twice")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if beatMS > 0 {
				cfg.Timeouts.BeatMS = beatMS
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			bus := feed.NewBus()
			defer bus.Close()
			sup := exchange.NewSupervisor(exchange.Deps{
				DB:      conn,
				Repo:    r,
				Events:  events.Writer{DB: conn},
				Bus:     bus,
				Gateway: gateway.Bounded{Inner: gateway.Repo{Repo: r}, Timeout: cfg.GatewayTimeout()},
				Config:  cfg,
				Logger:  slog.Default(),
			})
			defer sup.Close()

			members := make([]exchange.Member, 0, len(participants))
			for _, pid := range participants {
				mem, err := sup.MemberFromRegistry(cmd.Context(), pid)
				if err != nil {
					return fmt.Errorf("participant %s: %w", pid, err)
				}
				members = append(members, mem)
			}

			ch, cancel := bus.Subscribe()
			defer cancel()

			snap, err := sup.Create(cmd.Context(), exchange.CreateParams{Area: area, Members: members})
			if err != nil {
				return err
			}
			fmt.Printf("Exchange %s started with %d participants\n", snap.ID, len(snap.Participants))

			for evt := range ch {
				if evt.ExchangeID != snap.ID {
					continue
				}
				printFeedEvent(evt)
				if evt.Type == feed.TypeAftermath {
					break
				}
			}
			final, err := sup.GetStatus(cmd.Context(), snap.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Finished after %d beat(s): %s\n", final.Beat, final.Reason)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&participants, "participant", []string{}, "registered participant id (repeatable)")
	cmd.Flags().StringVar(&area, "area", "", "exchange area")
	cmd.Flags().IntVar(&beatMS, "beat-ms", 500, "beat deadline in milliseconds")
	return cmd
}

func printFeedEvent(evt feed.Event) {
	switch evt.Type {
	case feed.TypeBeatOpened:
		fmt.Printf("-- beat %d --\n", evt.Beat)
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Participant", "Option", "Capability", "Target", "Score", "Default"})
		for pid, opts := range evt.Options {
			for _, o := range opts {
				target := o.TargetParticipant
				if target == "" {
					target = o.TargetAffordance
				}
				tw.AppendRow(table.Row{pid, o.ID, o.Capability, target, fmt.Sprintf("%.1f", o.Score), o.Default})
			}
		}
		tw.Render()
	case feed.TypeOutcome:
		if evt.Outcome == nil {
			return
		}
		for _, res := range evt.Outcome.Resolutions {
			marker := ""
			if res.WasDefaulted {
				marker = " (default)"
			}
			fmt.Printf("  %s -> %s%s\n", res.ParticipantID, res.Capability, marker)
		}
	case feed.TypeCancelled:
		fmt.Printf("Cancelled: %s\n", evt.Reason)
	}
}

// --- exchanges ---

func exchangeCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exchange", Short: "Manage exchanges"}
	ex.AddCommand(exchangeCreateCmd())
	ex.AddCommand(exchangeListCmd())
	ex.AddCommand(exchangeStatusCmd())
	ex.AddCommand(exchangeCancelCmd())
	ex.AddCommand(exchangeLogCmd())
	return ex
}

func exchangeCreateCmd() *cobra.Command {
	var participants []string
	var id, area string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an exchange on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(participants) < 2 {
				return fmt.Errorf("--participant must be given at least twice")
			}
			c := apiClient()
			ex, err := c.CreateExchange(cmd.Context(), id, area, participants)
			if err != nil {
				return err
			}
			return printJSONOrTable(ex)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "exchange id (generated if omitted)")
	cmd.Flags().StringVar(&area, "area", "", "exchange area")
	cmd.Flags().StringArrayVar(&participants, "participant", []string{}, "registered participant id (repeatable)")
	return cmd
}

func exchangeListCmd() *cobra.Command {
	var phase string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExchanges(ctx, repo.ExchangeFilters{Phase: phase, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Area", "Phase", "Beat", "Participants", "Reason"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Area, s.Phase, s.Beat, len(s.Participants), s.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func exchangeStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show exchange status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetExchange(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func exchangeCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an exchange on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient()
			ex, err := c.CancelExchange(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(ex)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func exchangeLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show the outcome log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				log, err := r.ListOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(log)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Beat", "Kind", "Resolutions", "Reason", "TS"})
				for _, o := range log {
					tw.AppendRow(table.Row{o.Seq, o.Beat, o.Kind, len(o.Resolutions), o.Reason, o.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- choices ---

func choiceCmd() *cobra.Command {
	ch := &cobra.Command{Use: "choice", Short: "Submit choices"}
	ch.AddCommand(choiceSubmitCmd())
	return ch
}

func choiceSubmitCmd() *cobra.Command {
	var exchangeID, participantID, optionID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a choice for the open beat",
		RunE: func(cmd *cobra.Command, args []string) error {
			if exchangeID == "" || participantID == "" || optionID == "" {
				return fmt.Errorf("--exchange, --participant, and --option are required")
			}
			c := apiClient()
			if err := c.SubmitChoice(cmd.Context(), exchangeID, participantID, optionID); err != nil {
				return err
			}
			fmt.Println("accepted")
			return nil
		},
	}
	cmd.Flags().StringVar(&exchangeID, "exchange", "", "exchange id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&optionID, "option", "", "option id")
	return cmd
}

// --- participants ---

func participantCmd() *cobra.Command {
	p := &cobra.Command{Use: "participant", Short: "Manage the participant registry"}
	p.AddCommand(participantAddCmd())
	p.AddCommand(participantListCmd())
	return p
}

func participantAddCmd() *cobra.Command {
	var id, role, kind, urlStr, preferred, capsJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if kind == domain.ParticipantKindWebhook && urlStr == "" {
				return fmt.Errorf("--url required for webhook participants")
			}
			var caps []domain.Capability
			if capsJSON != "" {
				if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
					return fmt.Errorf("invalid --capabilities: %w", err)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.RegisteredParticipant{
					ID:           id,
					Role:         role,
					Kind:         kind,
					URL:          urlStr,
					Capabilities: caps,
					Preferred:    preferred,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.UpsertParticipant(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().StringVar(&role, "role", "", "role (initiator, responder, bystander, ...)")
	cmd.Flags().StringVar(&kind, "kind", domain.ParticipantKindStatic, "participant kind (static or webhook)")
	cmd.Flags().StringVar(&urlStr, "url", "", "webhook URL")
	cmd.Flags().StringVar(&preferred, "preferred", "", "preferred capability id")
	cmd.Flags().StringVar(&capsJSON, "capabilities", "", `capability set as JSON, e.g. '[{"id":"strike","weight":2}]'`)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func participantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListParticipants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Kind", "Capabilities", "Preferred"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Role, p.Kind, len(p.Capabilities), p.Preferred})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- affordances ---

func affordanceCmd() *cobra.Command {
	a := &cobra.Command{Use: "affordance", Short: "Manage the affordance registry"}
	a.AddCommand(affordanceAddCmd())
	a.AddCommand(affordanceListCmd())
	a.AddCommand(affordanceRemoveCmd())
	return a
}

func affordanceAddCmd() *cobra.Command {
	var id, typ, area, propsJSON string
	var distance float64
	var consumable bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an affordance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || typ == "" {
				return fmt.Errorf("--id and --type required")
			}
			var props map[string]any
			if propsJSON != "" {
				if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
					return fmt.Errorf("invalid --props: %w", err)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a := domain.Affordance{
					ID:         id,
					Type:       typ,
					Area:       area,
					Distance:   distance,
					Consumable: consumable,
					Props:      props,
				}
				if err := r.UpsertAffordance(ctx, a, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "affordance id")
	cmd.Flags().StringVar(&typ, "type", "", "affordance type")
	cmd.Flags().StringVar(&area, "area", "", "area")
	cmd.Flags().Float64Var(&distance, "distance", 0, "distance from the exchange locus")
	cmd.Flags().BoolVar(&consumable, "consumable", false, "claimable by at most one participant per beat")
	cmd.Flags().StringVar(&propsJSON, "props", "", "extra properties as JSON object")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func affordanceListCmd() *cobra.Command {
	var area, typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List affordances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAffordances(ctx, area, typ)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Area", "Distance", "Consumable"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Area, a.Distance, a.Consumable})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	return cmd
}

func affordanceRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an affordance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAffordance(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var exchangeID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, exchangeID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&exchangeID, "exchange", "", "exchange id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default parley.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func apiClient() *parleysdk.Client {
	c := parleysdk.New(viper.GetString("server"))
	c.BearerToken = os.Getenv("PARLEY_TOKEN")
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
