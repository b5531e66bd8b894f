package credential

// RegisterKnownRefreshers wires the provider-specific refresh endpoints
// named in §4.2 ("OAuth with provider-specific refresh endpoints
// (Anthropic/ChatGPT-Codex/Kimi/Cursor/Antigravity)"). Each of these
// providers exposes a standard OAuth2 refresh_token grant; only the
// endpoint and client id differ, so they all share RefreshViaTokenEndpoint.
func (s *Store) RegisterKnownRefreshers() {
	s.RegisterRefresher("anthropic-oauth", RefreshViaTokenEndpoint(
		"https://console.anthropic.com/v1/oauth/token", "", ""))
	s.RegisterRefresher("chatgpt-codex", RefreshViaTokenEndpoint(
		"https://auth.openai.com/oauth/token", "", ""))
	s.RegisterRefresher("kimi", RefreshViaTokenEndpoint(
		"https://platform.moonshot.cn/oauth/token", "", ""))
	s.RegisterRefresher("cursor", RefreshViaTokenEndpoint(
		"https://api2.cursor.sh/auth/refresh", "", ""))
	s.RegisterRefresher("antigravity", RefreshViaTokenEndpoint(
		"https://antigravity.google/oauth/token", "", ""))
	s.RegisterRefresher("google", RefreshViaTokenEndpoint(
		"https://oauth2.googleapis.com/token", "", ""))
}
