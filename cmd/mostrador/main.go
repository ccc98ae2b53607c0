package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mostrador/internal/app"
	"mostrador/internal/assistant"
	"mostrador/internal/chat"
	"mostrador/internal/config"
	"mostrador/internal/db"
	"mostrador/internal/domain"
	"mostrador/internal/migrate"
	"mostrador/internal/repo"
	"mostrador/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mostrador",
	Short: "Mostrador CLI",
	Long: `Mostrador runs a voice-and-text order counter for a butcher shop.
Customers talk to the assistant, build a cart item by item, confirm, and
get an order number plus a pickup code. Staff manage the catalog, watch
incoming orders, and hand them over at the counter.

The workspace holds the SQLite database and mostrador.yml. Start with
'mostrador config init', load the catalog with 'mostrador product add',
then 'mostrador serve'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	viper.SetEnvPrefix("MOSTRADOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("shop", "", "shop id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("shop", rootCmd.PersistentFlags().Lookup("shop"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage shop config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var shopID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mostrador.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(shopID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&shopID, "shop-id", "mostrador", "shop id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveShopAndConfig(ctx, viper.GetString("workspace"), viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertShopConfig(ctx, cfg.Shop.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- catalog ---

func categoryCmd() *cobra.Command {
	cat := &cobra.Command{Use: "category", Short: "Manage catalog categories"}
	cat.AddCommand(categoryAddCmd())
	cat.AddCommand(categoryListCmd())
	cat.AddCommand(categoryRemoveCmd())
	return cat
}

func categoryAddCmd() *cobra.Command {
	var id, name string
	var position int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				c := domain.Category{
					ID:        id,
					Name:      name,
					Position:  position,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertCategory(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "category id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "category name")
	cmd.Flags().IntVar(&position, "position", 0, "sort position in the menu")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func categoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCategories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Position"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Position})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func categoryRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteCategory(ctx, args[0])
			})
		},
	}
	return cmd
}

func productCmd() *cobra.Command {
	prod := &cobra.Command{
		Use:   "product",
		Short: "Manage the product catalog",
		Long:  "Products are what the assistant can sell. Only available products reach the menu the model sees, so marking a cut unavailable removes it from conversations right away.",
	}
	prod.AddCommand(productAddCmd())
	prod.AddCommand(productListCmd())
	prod.AddCommand(productShowCmd())
	prod.AddCommand(productUpdateCmd())
	prod.AddCommand(productAvailabilityCmd())
	prod.AddCommand(productRemoveCmd())
	return prod
}

func productAddCmd() *cobra.Command {
	var id, categoryID, name, price, unit, note string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Product{
					ID:         id,
					CategoryID: optionalString(categoryID),
					Name:       name,
					Price:      price,
					Unit:       unit,
					Note:       note,
					Available:  true,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := r.InsertProduct(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&categoryID, "category", "", "category id")
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&price, "price", "", "price per unit, e.g. 12.50")
	cmd.Flags().StringVar(&unit, "unit", "kg", "unit (kg, ud, pieza)")
	cmd.Flags().StringVar(&note, "note", "", "note shown in the menu")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func productListCmd() *cobra.Command {
	var categoryID string
	var availableOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProducts(ctx, repo.ProductFilters{
					CategoryID:    categoryID,
					AvailableOnly: availableOnly,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Price", "Unit", "Available"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Price, p.Unit, p.Available})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&categoryID, "category", "", "filter by category")
	cmd.Flags().BoolVar(&availableOnly, "available", false, "only available products")
	return cmd
}

func productShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProduct(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func productUpdateCmd() *cobra.Command {
	var categoryID, name, price, unit, note string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProduct(ctx, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("category") {
					p.CategoryID = optionalString(categoryID)
				}
				if cmd.Flags().Changed("name") {
					p.Name = name
				}
				if cmd.Flags().Changed("price") {
					p.Price = price
				}
				if cmd.Flags().Changed("unit") {
					p.Unit = unit
				}
				if cmd.Flags().Changed("note") {
					p.Note = note
				}
				p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.UpdateProduct(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&categoryID, "category", "", "category id")
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&price, "price", "", "price per unit")
	cmd.Flags().StringVar(&unit, "unit", "", "unit")
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func productAvailabilityCmd() *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "availability <id>",
		Short: "Toggle whether a product is on the menu",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.SetProductAvailability(ctx, args[0], available, now); err != nil {
					return err
				}
				p, err := r.GetProduct(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&available, "available", true, "available on the menu")
	return cmd
}

func productRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProduct(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- sessions ---

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Inspect conversations"}
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionShowCmd())
	sess.AddCommand(sessionTurnsCmd())
	return sess
}

func sessionListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, repo.SessionFilters{State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Order", "Updated"})
				for _, s := range items {
					number := ""
					if s.OrderNumber != nil {
						number = *s.OrderNumber
					}
					tw.AppendRow(table.Row{s.ID, s.State, number, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionTurnsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turns <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				turns, err := r.ListTurns(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(turns)
				}
				for _, t := range turns {
					fmt.Printf("[%s] %s: %s\n", t.CreatedAt, t.Role, t.Content)
				}
				return nil
			})
		},
	}
	return cmd
}

// --- orders ---

func orderCmd() *cobra.Command {
	ord := &cobra.Command{
		Use:   "order",
		Short: "Manage orders",
		Long:  "Orders move pending -> preparing -> ready -> completed (or cancelled). Completing needs the customer's pickup code.",
	}
	ord.AddCommand(orderListCmd())
	ord.AddCommand(orderShowCmd())
	ord.AddCommand(orderStatusCmd())
	ord.AddCommand(orderCompleteCmd())
	return ord
}

func orderListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrders(ctx, repo.OrderFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Status", "Total", "Pickup", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.Number, o.Status, o.Total, o.PickupCode, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <number>",
		Short: "Show an order with its lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrderByNumber(ctx, args[0])
				if err != nil {
					return err
				}
				lines, err := r.ListOrderLines(ctx, o.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"order": o, "lines": lines})
			})
		},
	}
	return cmd
}

func orderStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <number>",
		Short: "Advance an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *chat.Engine) error {
				o, err := e.Orders.Transition(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (preparing, ready, cancelled)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func orderCompleteCmd() *cobra.Command {
	var pickupCode string
	cmd := &cobra.Command{
		Use:   "complete <number>",
		Short: "Hand over an order at the counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *chat.Engine) error {
				o, err := e.Orders.Complete(ctx, args[0], pickupCode, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&pickupCode, "code", "", "pickup code the customer gives you")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

// --- auth ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage staff API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is only printed once.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, k.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff JWT for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveShopAndConfig(ctx, viper.GetString("workspace"), viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				secret := jwtSecret(cfg)
				if secret == "" {
					return fmt.Errorf("no JWT secret; set server.jwt_secret or MOSTRADOR_JWT_SECRET")
				}
				claims := jwt.MapClaims{
					"sub":   subject,
					"roles": roles,
					"exp":   time.Now().Add(ttl).Unix(),
					"iat":   time.Now().Unix(),
				}
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id the token represents")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"staff"}, "roles to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- events ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveShopAndConfig(cmd.Context(), workspace, viper.GetString("shop"), r)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			apiKey := cfg.Assistant.APIKey
			if env := os.Getenv("MOSTRADOR_GEMINI_API_KEY"); env != "" {
				apiKey = env
			}
			if apiKey == "" {
				return fmt.Errorf("no assistant API key; set assistant.api_key or MOSTRADOR_GEMINI_API_KEY")
			}
			interp := assistant.Interpreter{
				Client: assistant.NewClient(
					cfg.Assistant.BaseURL,
					cfg.Assistant.Model,
					apiKey,
					cfg.Assistant.MaxOutputTokens,
					cfg.AssistantTimeout(),
					logger,
				),
				MaxAudioBytes: cfg.AudioMaxBytes(),
				AllowedMIMEs:  cfg.AudioMIMEs(),
				Timeout:       cfg.AssistantTimeout(),
				Logger:        logger,
			}
			e := chat.New(conn, cfg, interp, logger)

			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(cfg),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("no JWT secret; set server.jwt_secret or MOSTRADOR_JWT_SECRET")
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartWebhookDispatcher(ctx, e, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Mostrador API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

// --- helpers ---

func jwtSecret(cfg *config.Config) string {
	if env := os.Getenv("MOSTRADOR_JWT_SECRET"); env != "" {
		return env
	}
	return cfg.Server.JWTSecret
}

func withEngine(ctx context.Context, fn func(context.Context, *chat.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveShopAndConfig(ctx, workspace, viper.GetString("shop"), r)
	if err != nil {
		return err
	}
	e := chat.New(conn, cfg, nil, zap.NewNop())
	return fn(ctx, e)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
