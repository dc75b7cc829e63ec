package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/flowbaker/flowdispatch/internal/stores/memory"
	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyAppFile       = errors.New("app file has no nodes")
	ErrUnsupportedPrompt  = errors.New("interactive pause cannot be answered from the terminal")
	ErrMaxResumesExceeded = errors.New("too many interactive resumes")
)

const maxTerminalResumes = 50

type runOptions struct {
	appFiles    []string
	query       string
	variables   map[string]string
	mode        string
	interactive bool
}

func NewRunCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run <app.yaml> [more apps...]",
		Short: "Run an app graph locally with in-memory stores",
		Long: `Run dispatches the first app file in the terminal. Additional app files are
registered so sub-workflow nodes can reference them by id. Interactive pauses
are answered with terminal prompts.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.appFiles = args
			return runApp(cmd, dispatchContainer, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "User chat input")
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "Run variables as key=value")
	cmd.Flags().StringVar(&opts.mode, "mode", string(domain.DispatchModeChat), "Dispatch mode: chat, debug or test")
	cmd.Flags().BoolVar(&opts.interactive, "interactive", true, "Prompt for answers when the run pauses")

	return cmd
}

func runApp(cmd *cobra.Command, dispatchContainer *initialization.DispatchContainer, opts runOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	apps := make([]domain.App, 0, len(opts.appFiles))
	for _, path := range opts.appFiles {
		app, err := loadAppFile(path)
		if err != nil {
			return err
		}

		apps = append(apps, app)
	}

	config, err := dispatchContainer.GetConfigManager().GetConfig(ctx)
	if err != nil {
		return err
	}

	// Local runs keep everything in memory.
	config.RedisURL = ""
	config.MongoURI = ""
	config.PostgresURL = ""

	deps, err := dispatchContainer.BuildDispatchDependencies(ctx, initialization.BuildDispatchDependenciesParams{
		Config:   config,
		AppStore: memory.NewAppStore(apps...),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to close dispatch dependencies")
		}
	}()

	app := apps[0]
	out := cmd.OutOrStdout()

	variables := make(map[string]any, len(opts.variables))
	for key, value := range opts.variables {
		variables[key] = value
	}

	params := domain.DispatchParams{
		TeamID:          app.TeamID,
		UserID:          app.OwnerID,
		AppID:           app.ID,
		ChatID:          xid.New().String(),
		Nodes:           app.Graph.Nodes,
		Edges:           app.Graph.Edges,
		Variables:       variables,
		Query:           opts.query,
		Mode:            domain.DispatchMode(opts.mode),
		Stream:          true,
		Sink:            newTerminalSink(out),
		ResponseAllData: true,
	}

	for resumes := 0; ; resumes++ {
		if resumes > maxTerminalResumes {
			return ErrMaxResumesExceeded
		}

		result, err := deps.DispatchService.Dispatch(ctx, params)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			return err
		}

		fmt.Fprintln(out)
		printRunSummary(out, result)

		snapshot := result.WorkflowInteractiveResponse
		if snapshot == nil || !opts.interactive {
			return nil
		}

		answer, err := promptInteractive(*snapshot)
		if err != nil {
			return err
		}

		params.Histories = append(params.Histories,
			domain.ChatItem{Role: domain.ChatRoleHuman, Content: params.Query},
			domain.ChatItem{Role: domain.ChatRoleAI, Content: assistantText(result.AssistantResponses)},
		)
		params.Query = answer
		params.LastInteractive = snapshot
	}
}

func loadAppFile(path string) (domain.App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.App{}, fmt.Errorf("failed to read app file %s: %w", path, err)
	}

	var app domain.App
	if err := yaml.Unmarshal(raw, &app); err != nil {
		return domain.App{}, fmt.Errorf("failed to parse app file %s: %w", path, err)
	}

	if len(app.Graph.Nodes) == 0 {
		return domain.App{}, fmt.Errorf("%w: %s", ErrEmptyAppFile, path)
	}

	if app.ID == "" {
		app.ID = strings.TrimSuffix(strings.TrimSuffix(path, ".yaml"), ".yml")
	}

	if app.TeamID == "" {
		app.TeamID = "local"
	}

	if app.OwnerID == "" {
		app.OwnerID = "local"
	}

	log.Debug().Str("app_id", app.ID).Int("nodes", len(app.Graph.Nodes)).Msg("Loaded app file")

	return app, nil
}

// promptInteractive asks the terminal for the answer of the innermost pause.
func promptInteractive(snapshot domain.InteractiveSnapshot) (string, error) {
	for snapshot.Type == domain.InteractiveTypeChildrenInteractive && snapshot.Params.ChildrenResponse != nil {
		snapshot = *snapshot.Params.ChildrenResponse
	}

	switch snapshot.Type {
	case domain.InteractiveTypeUserSelect:
		var selected string

		options := make([]huh.Option[string], 0, len(snapshot.Params.UserSelectOptions))
		for _, option := range snapshot.Params.UserSelectOptions {
			options = append(options, huh.NewOption(option.Value, option.Value))
		}

		err := huh.NewSelect[string]().
			Title(snapshot.Params.Description).
			Options(options...).
			Value(&selected).
			Run()

		return selected, err

	case domain.InteractiveTypeUserInput:
		return promptUserInput(snapshot.Params)

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPrompt, snapshot.Type)
	}
}

func promptUserInput(params domain.InteractiveParams) (string, error) {
	values := make([]string, len(params.InputForm))
	fields := make([]huh.Field, 0, len(params.InputForm))

	for i, field := range params.InputForm {
		input := huh.NewInput().
			Title(field.Label).
			Description(field.Description).
			Value(&values[i])

		if field.Required {
			input = input.Validate(func(value string) error {
				if strings.TrimSpace(value) == "" {
					return fmt.Errorf("%s is required", field.Label)
				}
				return nil
			})
		}

		fields = append(fields, input)
	}

	if len(fields) > 0 {
		group := huh.NewGroup(fields...).Title(params.Description)

		if err := huh.NewForm(group).Run(); err != nil {
			return "", err
		}
	}

	answers := make(map[string]string, len(params.InputForm))
	for i, field := range params.InputForm {
		answers[field.Key] = values[i]
	}

	raw, err := json.Marshal(answers)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func assistantText(items []domain.AssistantResponseItem) string {
	parts := []string{}
	for _, item := range items {
		if item.Type == domain.AssistantResponseTypeText && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}

	return strings.Join(parts, "\n")
}

func printRunSummary(out io.Writer, result domain.DispatchResult) {
	summary := fmt.Sprintf("%d nodes, %.0f run times, %.2f points, %.3fs",
		len(result.FlowResponses), result.RunTimes, domain.SumUsagePoints(result.FlowUsages), result.DurationSeconds)

	fmt.Fprintln(out, mutedStyle.Render(summary))

	for _, trace := range result.FlowResponses {
		if trace.Error != "" {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s failed: %s", trace.ModuleName, trace.Error)))
		}
	}

	if result.WorkflowInteractiveResponse != nil {
		fmt.Fprintln(out, warnStyle.Render("Run paused: "+string(result.WorkflowInteractiveResponse.Type)))
	}
}

// terminalSink prints answer deltas as they stream and node status lines in
// between.
type terminalSink struct {
	out io.Writer
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out}
}

func (s *terminalSink) Publish(ctx context.Context, event domain.StreamEvent) error {
	switch data := event.Data.(type) {
	case domain.AnswerDeltaData:
		if data.Reasoning != "" {
			_, err := fmt.Fprint(s.out, mutedStyle.Render(data.Reasoning))
			return err
		}

		_, err := fmt.Fprint(s.out, data.Text)
		return err

	case domain.NodeStatusData:
		_, err := fmt.Fprintln(s.out, mutedStyle.Render("> "+data.Name))
		return err
	}

	return nil
}
