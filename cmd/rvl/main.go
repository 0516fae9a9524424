package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"reviewline/internal/app"
	"reviewline/internal/archive"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/notify"
	"reviewline/internal/review"
	"reviewline/internal/server"
	"reviewline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Reviewline CLI",
	Long: `Reviewline drives structured review authoring and publishing.
An author answers a fixed sequence of questions about a dataset, preprint or
comment; once complete, an asynchronous workflow deposits the review with the
archive, mints a DOI and notifies downstream systems. State lives in the
.reviewline workspace database.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "caller identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func withEngine(fn func(ctx context.Context, e engine.Engine) error) error {
	e, closeFn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), e)
}

func reviewCmd() *cobra.Command {
	rc := &cobra.Command{Use: "review", Short: "Author and publish reviews"}
	rc.AddCommand(reviewStartCmd())
	rc.AddCommand(reviewAnswerCmd())
	rc.AddCommand(reviewShowCmd())
	rc.AddCommand(reviewListCmd())
	rc.AddCommand(reviewPublishCmd())
	return rc
}

func reviewStartCmd() *cobra.Command {
	var subjectID, subjectType string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a review of a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				rv, err := e.StartReview(ctx, viper.GetString("user-id"), subjectID, domain.SubjectType(subjectType))
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Review{rv})
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject identifier (required)")
	cmd.Flags().StringVar(&subjectType, "type", string(domain.SubjectDataset), "subject type: dataset, preprint or comment")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func reviewAnswerCmd() *cobra.Command {
	var choice, detail string
	cmd := &cobra.Command{
		Use:   "answer <review-id> <step>",
		Short: "Answer one step of a review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				next, err := answerStep(ctx, e, args[0], viper.GetString("user-id"), review.Step(args[1]), choice, detail)
				if err != nil {
					return err
				}
				fmt.Printf("next expected step: %s\n", next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "enumerated answer")
	cmd.Flags().StringVar(&detail, "detail", "", "optional free-text detail")
	return cmd
}

// answerStep routes the uniform answer form to the matching command, the same
// dispatch the HTTP layer performs.
func answerStep(ctx context.Context, e engine.Engine, reviewID, userID string, step review.Step, choice, detail string) (review.Step, error) {
	switch step {
	case review.StepChoosePersona:
		return e.ChoosePersona(ctx, reviewID, userID, domain.Persona(choice))
	case review.StepCompetingInterests:
		return e.DeclareCompetingInterests(ctx, reviewID, userID, choice == "yes", detail)
	case review.StepCodeOfConduct:
		return e.AgreeToCodeOfConduct(ctx, reviewID, userID, choice == "yes")
	default:
		return e.AnswerQuestion(ctx, reviewID, userID, step, domain.Answer{Choice: choice, Detail: detail})
	}
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review's status and next expected step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetReview(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendRow(table.Row{"id", st.ID})
				t.AppendRow(table.Row{"subject", fmt.Sprintf("%s (%s)", st.SubjectID, st.SubjectType)})
				t.AppendRow(table.Row{"state", st.State})
				t.AppendRow(table.Row{"next step", st.NextExpectedStep})
				if st.Artifact != nil {
					t.AppendRow(table.Row{"doi", st.Artifact.DOI})
				}
				t.Render()
				return nil
			})
		},
	}
}

func reviewListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				author := viper.GetString("user-id")
				if all {
					author = ""
				}
				items, err := e.ListReviews(ctx, author)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list reviews by every author")
	return cmd
}

func reviewPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <review-id>",
		Short: "Schedule publication of a complete review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				ex, err := e.RequestPublication(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Printf("scheduled %s (key %s); run 'rvl worker' to execute\n", ex.WorkflowName, ex.IdempotencyKey)
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var cursor int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events across all reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				evts, err := e.TailEvents(ctx, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"id", "ts", "review", "v", "type", "actor"})
				for _, evt := range evts {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.ReviewID, evt.Version, evt.Type, evt.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().Int64Var(&cursor, "after", 0, "only events with id greater than this")
	tail.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	lc.AddCommand(tail)
	return lc
}

func workflowCmd() *cobra.Command {
	wc := &cobra.Command{Use: "workflow", Short: "Inspect and operate publish workflows"}
	wc.AddCommand(&cobra.Command{
		Use:   "show <idempotency-key>",
		Short: "Show one workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				ex, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ex)
			})
		},
	})
	wc.AddCommand(&cobra.Command{
		Use:   "retry <idempotency-key>",
		Short: "Re-queue a terminally failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.RequeueExecution(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("requeued")
				return nil
			})
		},
	})
	return wc
}

func serveCmd() *cobra.Command {
	var addr string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				log, err := zap.NewProduction()
				if err != nil {
					return err
				}
				defer log.Sync()
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine: e,
					Auth: server.AuthConfig{
						JWTSecret:             e.Config.Server.JWTSecret,
						AllowLegacyUserHeader: e.Config.Server.AllowLegacyUserHeader,
						Logger:                log,
					},
					Logger: log,
				})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if withWorker {
					go newWorker(e, log).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run the publish worker in-process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the publish workflow worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e engine.Engine) error {
				log, err := zap.NewProduction()
				if err != nil {
					return err
				}
				defer log.Sync()
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := newWorker(e, log).Run(ctx); err != nil && err != context.Canceled {
					return err
				}
				return nil
			})
		},
	}
}

func newWorker(e engine.Engine, log *zap.Logger) *workflow.Worker {
	cfg := e.Config
	dep := archive.New(cfg.Archive.BaseURL, cfg.Archive.Token, cfg.ArchiveTimeout())
	ann := notify.New(cfg.Notifications, log)
	return workflow.New(e, dep, ann, cfg, log)
}

func configCmd() *cobra.Command {
	cc := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cc
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development JWT for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   args[0],
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Server.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(items []domain.Review) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"id", "subject", "type", "state", "doi", "updated"})
	for _, rv := range items {
		t.AppendRow(table.Row{rv.ID, rv.SubjectID, rv.SubjectType, rv.State, rv.DOI, rv.UpdatedAt})
	}
	t.Render()
	return nil
}
