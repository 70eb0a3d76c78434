package errors

import "strings"

// Category is the user-facing classification of an error. Each category maps
// to exactly one response code and one fixed message per locale.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAI             Category = "ai_error"
	CategorySystem         Category = "system_error"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryValidation,
	CategoryAuthentication,
	CategoryAuthorization,
	CategoryRateLimit,
	CategoryAI,
	CategorySystem,
}

// Severity drives alert thresholds only; it never changes the response.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Response codes
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeAuth       = "AUTH_ERROR"
	CodeForbidden  = "FORBIDDEN"
	CodeRateLimit  = "RATE_LIMIT_EXCEEDED"
	CodeAIService  = "AI_SERVICE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

const DefaultLocale = "en"

var categoryCodes = map[Category]string{
	CategoryValidation:     CodeValidation,
	CategoryAuthentication: CodeAuth,
	CategoryAuthorization:  CodeForbidden,
	CategoryRateLimit:      CodeRateLimit,
	CategoryAI:             CodeAIService,
	CategorySystem:         CodeInternal,
}

var userMessages = map[string]map[Category]string{
	"en": {
		CategoryValidation:     "The request contains invalid data. Please check your input and try again.",
		CategoryAuthentication: "Please sign in to continue.",
		CategoryAuthorization:  "You do not have permission to perform this action.",
		CategoryRateLimit:      "Too many requests. Please wait a moment and try again.",
		CategoryAI:             "The AI assistant is temporarily unavailable. Please try again shortly.",
		CategorySystem:         "Something went wrong on our side. Please try again later.",
	},
	"es": {
		CategoryValidation:     "La solicitud contiene datos no válidos. Revisa la información e inténtalo de nuevo.",
		CategoryAuthentication: "Inicia sesión para continuar.",
		CategoryAuthorization:  "No tienes permiso para realizar esta acción.",
		CategoryRateLimit:      "Demasiadas solicitudes. Espera un momento e inténtalo de nuevo.",
		CategoryAI:             "El asistente de IA no está disponible temporalmente. Inténtalo de nuevo en breve.",
		CategorySystem:         "Algo salió mal. Inténtalo de nuevo más tarde.",
	},
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryCodes[c]
	return ok
}

// CodeFor returns the stable response code for a category.
// Unknown categories are treated as system errors.
func CodeFor(category Category) string {
	if code, ok := categoryCodes[category]; ok {
		return code
	}
	return CodeInternal
}

// UserMessage returns the fixed, user-safe message for a category.
// Unknown locales fall back to English.
func UserMessage(category Category, locale string) string {
	messages, ok := userMessages[strings.ToLower(locale)]
	if !ok {
		messages = userMessages[DefaultLocale]
	}
	if !category.Valid() {
		category = CategorySystem
	}
	return messages[category]
}

// Locales returns the supported message locales.
func Locales() []string {
	return []string{"en", "es"}
}

// NewCategoryError builds an AppError whose code and message come from the
// category table, keeping the raw error only as the cause.
func NewCategoryError(category Category, locale string, cause error) *AppError {
	appErr := NewAppError(typeForCategory(category), CodeFor(category), UserMessage(category, locale))
	appErr.sanitized = true
	if cause != nil {
		appErr.WithCause(cause)
	}
	return appErr
}

// CategoryOf classifies err by its AppError type, then its code. Anything
// else is a system error.
func CategoryOf(err error) Category {
	if err == nil {
		return CategorySystem
	}
	if appErr, ok := As(err); ok {
		switch appErr.Type {
		case ErrorTypeValidation:
			return CategoryValidation
		case ErrorTypeAuthentication:
			return CategoryAuthentication
		case ErrorTypeAuthorization:
			return CategoryAuthorization
		case ErrorTypeRateLimit:
			return CategoryRateLimit
		case ErrorTypeAI:
			return CategoryAI
		}
		switch appErr.Code {
		case CodeAuth:
			return CategoryAuthentication
		case CodeForbidden:
			return CategoryAuthorization
		case CodeRateLimit:
			return CategoryRateLimit
		case CodeAIService:
			return CategoryAI
		}
	}
	return CategorySystem
}

func typeForCategory(category Category) ErrorType {
	switch category {
	case CategoryValidation:
		return ErrorTypeValidation
	case CategoryAuthentication:
		return ErrorTypeAuthentication
	case CategoryAuthorization:
		return ErrorTypeAuthorization
	case CategoryRateLimit:
		return ErrorTypeRateLimit
	case CategoryAI:
		return ErrorTypeAI
	default:
		return ErrorTypeInternal
	}
}
