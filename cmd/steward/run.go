package main

import (
	"fmt"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/steward/pkg/artifacts"
	"github.com/go-go-golems/steward/pkg/events"
	"github.com/go-go-golems/steward/pkg/inference/loop"
	"github.com/go-go-golems/steward/pkg/inference/openai"
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// eventTopic carries turn lifecycle events when --echo-events is set.
const eventTopic = "turns"

func newRunCommand() *cobra.Command {
	var (
		workspace  string
		principal  string
		model      string
		grounding  bool
		renderUI   bool
		tabular    bool
		echoEvents bool
		systemText string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single turn against the orchestration loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := viper.GetString("openai-api-key")
			if apiKey == "" {
				apiKey = os.Getenv("OPENAI_API_KEY")
			}
			if apiKey == "" {
				return errors.New("no OpenAI API key configured (set STEWARD_OPENAI_API_KEY or OPENAI_API_KEY)")
			}

			ledger, closeLedger, err := openLedger(workspace)
			if err != nil {
				return err
			}
			defer func() { _ = closeLedger() }()

			reservations, err := openReservations(workspace)
			if err != nil {
				return err
			}

			store, err := openArtifacts()
			if err != nil {
				return err
			}

			executor := tools.NewExecutor(
				tools.WithReservations(reservations),
				tools.WithArtifactStore(store),
			)

			l, err := loop.NewLoop(
				loop.WithEngine(openai.NewEngine(apiKey)),
				loop.WithLedger(ledger),
				loop.WithExecutor(executor),
			)
			if err != nil {
				return err
			}

			t := &turns.Turn{
				ID:                 uuid.NewString(),
				Workspace:          workspace,
				Principal:          principal,
				Model:              model,
				RequiresGrounding:  grounding,
				RequiresUIRender:   renderUI,
				PrefersTabularText: tabular,
				Prompt: []turns.Block{
					turns.NewUserTextBlock(args[0]),
				},
			}
			if systemText != "" {
				t.Prompt = append([]turns.Block{turns.NewSystemTextBlock(systemText)}, t.Prompt...)
			}

			ctx := cmd.Context()
			if echoEvents {
				pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
				messages, err := pubsub.Subscribe(ctx, eventTopic)
				if err != nil {
					return errors.Wrap(err, "failed to subscribe to lifecycle events")
				}
				done := make(chan struct{})
				go func() {
					defer close(done)
					for msg := range messages {
						fmt.Fprintln(os.Stderr, string(msg.Payload))
						msg.Ack()
					}
				}()
				defer func() {
					_ = pubsub.Close()
					<-done
				}()
				ctx = events.WithEventSinks(ctx, events.NewWatermillSink(pubsub, eventTopic))
			}

			result, err := l.RunTurn(ctx, t)
			if err != nil {
				return err
			}
			if result.Denied {
				fmt.Printf("denied: %s (%s)\n", result.DenyMessage, result.DenyCode)
				return nil
			}

			fmt.Println(result.ResponseText)
			fmt.Fprintf(os.Stderr, "steps=%d stop=%s output_units=%d\n",
				result.Steps, result.StopReason, result.Usage.OutputUnits)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "default", "billing workspace")
	cmd.Flags().StringVar(&principal, "principal", "cli", "acting principal")
	cmd.Flags().StringVar(&model, "model", "gpt-4o-mini", "model to run")
	cmd.Flags().BoolVar(&grounding, "grounding", false, "require web grounding before answering")
	cmd.Flags().BoolVar(&renderUI, "render-ui", false, "require a rendered ui artifact")
	cmd.Flags().BoolVar(&tabular, "tabular", false, "prefer tabular text over rendered ui")
	cmd.Flags().BoolVar(&echoEvents, "echo-events", false, "publish lifecycle events and print them to stderr")
	cmd.Flags().StringVar(&systemText, "system", "", "system prompt prepended to the turn")
	return cmd
}

func openArtifacts() (artifacts.Store, error) {
	if viper.GetString("minio.endpoint") == "" {
		return artifacts.NewInMemoryStore(), nil
	}
	return artifacts.NewMinioStore(artifacts.MinioConfig{
		Endpoint:  viper.GetString("minio.endpoint"),
		AccessKey: viper.GetString("minio.access-key"),
		SecretKey: viper.GetString("minio.secret-key"),
		Bucket:    viper.GetString("minio.bucket"),
		UseSSL:    viper.GetBool("minio.use-ssl"),
	})
}
