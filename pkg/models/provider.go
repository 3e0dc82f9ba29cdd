package models

// Provider identifies an LLM vendor. The set is closed: every switch over
// Provider must handle all three values plus an unsupported default.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderMistral   Provider = "mistral"
)

// DefaultProvider is used when a processor does not declare one.
const DefaultProvider = ProviderAnthropic

// SupportedProviders lists the providers the router can dispatch to.
var SupportedProviders = []Provider{ProviderAnthropic, ProviderGoogle, ProviderMistral}

func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderGoogle, ProviderMistral:
		return true
	}
	return false
}
