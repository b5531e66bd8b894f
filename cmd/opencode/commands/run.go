package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentcore/agentsession/internal/agentsession"
	"github.com/agentcore/agentsession/internal/compactor"
	"github.com/agentcore/agentsession/internal/config"
	"github.com/agentcore/agentsession/internal/credential"
	"github.com/agentcore/agentsession/internal/event"
	"github.com/agentcore/agentsession/internal/permission"
	"github.com/agentcore/agentsession/internal/provider"
	"github.com/agentcore/agentsession/internal/sessionlog"
	"github.com/agentcore/agentsession/internal/storage"
	"github.com/agentcore/agentsession/internal/tool"
	"github.com/agentcore/agentsession/internal/turnengine"
	"github.com/agentcore/agentsession/pkg/types"
	"github.com/spf13/cobra"
)

var (
	runModel        string
	runAgent        string
	runContinue     bool
	runSession      string
	runFormat       string
	runFiles        []string
	runTitle        string
	runPrompt       string
	runPromptFile   string
	runPromptInline string
	runDir          string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Start an interactive OpenCode session",
	Long: `Start an interactive OpenCode session with the specified message.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode run --continue  # Continue last session
  opencode run --file main.go "Review this file"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last session")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Custom prompt template")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Custom prompt from file")
	runCmd.Flags().StringVar(&runPromptInline, "prompt-inline", "", "Custom prompt as inline text")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	// Determine working directory
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	// Initialize paths
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	// Load configuration
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	// Override model if specified
	if runModel != "" {
		appConfig.Model = runModel
	}

	// Build message from args
	message := strings.Join(args, " ")
	if message == "" && !runContinue && runSession == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
	}

	// Initialize storage. internal/storage is kept only for the tool
	// registry's own scoped state (e.g. todo-list persistence) — the
	// session's own history lives in the append-only log below, never here.
	store := storage.New(paths.StoragePath())

	// Initialize the credential store (C2) and let it fill in any provider
	// whose config doesn't already carry an inline API key.
	ctx := context.Background()
	creds := credential.New(paths.CredentialsPath())
	providerReg, err := provider.InitializeProvidersWithCredentials(ctx, appConfig, creds)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	// Initialize tool registry
	toolReg := tool.DefaultRegistry(workDir, store)

	// Initialize permission checker
	bus := event.New()
	permChecker := permission.NewChecker(bus)

	// Initialize the append-only session log (C1).
	logStore := sessionlog.NewStore(paths.SessionLogPath())

	// Handle custom prompt
	var systemPrompt string
	if runPromptFile != "" {
		data, err := os.ReadFile(runPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		systemPrompt = string(data)
	} else if runPromptInline != "" {
		systemPrompt = runPromptInline
	} else if runPrompt != "" {
		// Try to read as file first, then use as inline
		if data, err := os.ReadFile(runPrompt); err == nil {
			systemPrompt = string(data)
		} else {
			systemPrompt = runPrompt
		}
	}

	// Handle file attachments - read and include in message
	var fileContent strings.Builder
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
	}
	if fileContent.Len() > 0 {
		message = message + fileContent.String()
	}

	// Parse default provider and model from config
	var defaultProviderID, defaultModelID string
	if appConfig.Model != "" {
		parts := strings.SplitN(appConfig.Model, "/", 2)
		if len(parts) == 2 {
			defaultProviderID = parts[0]
			defaultModelID = parts[1]
		}
	}

	engine := turnengine.New(providerReg, toolReg, permChecker, bus, defaultProviderID, defaultModelID)
	compactorC6 := compactor.New(providerReg, bus)

	agentName := runAgent
	if agentName == "" {
		agentName = "default"
	}
	agent := &turnengine.Agent{Name: agentName, Prompt: systemPrompt, MaxSteps: turnengine.MaxSteps}

	deps := agentsession.Deps{
		Engine:      engine,
		Compactor:   compactorC6,
		Credentials: creds,
		Agent:       agent,
		ProviderID:  defaultProviderID,
		ModelID:     defaultModelID,
	}

	// Handle continue/session: resolve (not create) an existing Agent
	// Session's append-only log when one is asked for.
	var sess *agentsession.Session
	switch {
	case runSession != "":
		sess = agentsession.Open(logStore, workDir, runSession, deps)
	case runContinue:
		sessions, err := logStore.List(workDir)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			return fmt.Errorf("no previous session found to continue")
		}
		sess = agentsession.Open(logStore, workDir, sessions[len(sessions)-1], deps)
	default:
		sess, err = agentsession.Create(ctx, logStore, workDir, deps)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	unsubscribe := sess.Subscribe(event.EntryAppended, func(evt event.Event) {
		data, ok := evt.Data.(event.EntryAppendedData)
		if !ok {
			return
		}
		msgEntry, ok := data.Entry.(*types.MessageEntry)
		if !ok || msgEntry.Role != "assistant" {
			return
		}
		for _, blk := range msgEntry.ContentBlocks {
			if tb, ok := blk.(*types.TextBlock); ok {
				fmt.Print(tb.Text)
			}
		}
	})
	defer unsubscribe()

	fmt.Printf("Starting session %s...\n", sess.ID())
	fmt.Printf("Model: %s\n", appConfig.Model)
	fmt.Printf("Message: %s\n\n", truncate(message, 100))

	if _, err := sess.Prompt(ctx, message, nil); err != nil {
		return fmt.Errorf("processing error: %w", err)
	}

	fmt.Println()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
