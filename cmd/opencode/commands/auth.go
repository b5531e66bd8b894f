package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentcore/agentsession/internal/config"
	"github.com/agentcore/agentsession/internal/credential"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider credentials",
	Long: `Manage authentication credentials for AI providers.

Subcommands:
  list     List all configured providers and their status
  login    Log in to a provider
  logout   Log out from a provider`,
}

var authListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all providers and their status",
	RunE:    runAuthList,
}

var authLoginCmd = &cobra.Command{
	Use:   "login [provider]",
	Short: "Log in to a provider",
	Long: `Log in to a provider by providing an API key.

Supported providers:
  anthropic    Anthropic (Claude)
  openai       OpenAI (GPT-4, etc.)
  google       Google AI (Gemini)`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout [provider]",
	Short: "Log out from a provider",
	RunE:  runAuthLogout,
}

func init() {
	authCmd.AddCommand(authListCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
}

func runAuthList(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	store := credential.New(paths.CredentialsPath())
	ctx := context.Background()

	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	// Known providers and their environment variables, so a provider with no
	// stored credential but a usable env var still shows as configured.
	providers := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	fmt.Println("Provider Authentication Status:")
	fmt.Println()

	for provider, envVar := range providers {
		status := "not configured"

		if os.Getenv(envVar) != "" {
			status = fmt.Sprintf("configured (via %s)", envVar)
		}

		if rec, ok := records[provider]; ok && (rec.APIKey != "" || rec.AccessToken != "") {
			status = fmt.Sprintf("configured (via credential store, %s)", rec.Kind)
		}

		fmt.Printf("  %-12s %s\n", provider, status)
	}

	fmt.Println()
	fmt.Printf("Credential store: %s\n", paths.CredentialsPath())

	return nil
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("provider name required. Use: opencode auth login <provider>")
	}
	provider := args[0]

	fmt.Printf("Enter API key for %s: ", provider)
	reader := bufio.NewReader(os.Stdin)
	apiKey, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	paths := config.GetPaths()
	store := credential.New(paths.CredentialsPath())
	ctx := context.Background()
	if err := store.Put(ctx, credential.Record{
		Provider: provider,
		Kind:     credential.KindAPIKey,
		APIKey:   apiKey,
	}); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	fmt.Printf("Successfully logged in to %s\n", provider)
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("provider name required. Use: opencode auth logout <provider>")
	}
	provider := args[0]

	paths := config.GetPaths()
	store := credential.New(paths.CredentialsPath())
	ctx := context.Background()

	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credential store: %w", err)
	}
	if _, ok := records[provider]; !ok {
		return fmt.Errorf("not logged in to %s", provider)
	}

	if err := store.Delete(ctx, provider); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}

	fmt.Printf("Successfully logged out from %s\n", provider)
	return nil
}
