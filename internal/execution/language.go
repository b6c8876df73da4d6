package execution

import (
	"strings"

	"github.com/devcell/devcell/internal/domain"
)

// Language identifies a supported programming language.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageRuby       Language = "ruby"
	LanguageBash       Language = "bash"
)

// String returns the canonical language name.
func (l Language) String() string {
	return string(l)
}

// SupportedLanguages returns the canonical list, in stable order.
func SupportedLanguages() []Language {
	return []Language{LanguagePython, LanguageJavaScript, LanguageRuby, LanguageBash}
}

// ParseLanguage resolves a submission's language against the canonical list,
// case-insensitively. Unsupported languages are rejected as a precondition
// failure before any container resource is consumed.
func ParseLanguage(s string) (Language, error) {
	normalized := Language(strings.ToLower(strings.TrimSpace(s)))
	for _, lang := range SupportedLanguages() {
		if normalized == lang {
			return lang, nil
		}
	}
	return "", domain.Validation("unsupported language: %s", s)
}

// Argv builds the command that runs the submitted code inside the
// environment's container.
func (l Language) Argv(code string) []string {
	switch l {
	case LanguagePython:
		return []string{"python3", "-c", code}
	case LanguageJavaScript:
		return []string{"node", "-e", code}
	case LanguageRuby:
		return []string{"ruby", "-e", code}
	case LanguageBash:
		return []string{"bash", "-c", code}
	default:
		return nil
	}
}
