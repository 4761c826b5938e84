package apierror

import (
	"fmt"

	"golang.org/x/text/language"
)

// supported lists the catalog languages; the first is the fallback.
var supported = []language.Tag{
	language.Spanish,
	language.English,
}

var matcher = language.NewMatcher(supported)

var catalogs = map[language.Tag]map[Kind]string{
	language.Spanish: {
		KindConnectivity: "No se pudo conectar con el servidor. Verifica tu conexión a internet.",
		KindTimeout:      "La solicitud tardó demasiado. Inténtalo de nuevo.",
		KindUnauthorized: "Tu sesión ha expirado. Inicia sesión nuevamente.",
		KindForbidden:    "No tienes permiso para realizar esta acción.",
		KindNotFound:     "El recurso solicitado no existe.",
		KindValidation:   "Los datos enviados no son válidos.",
		KindServer:       "Error interno del servidor. Inténtalo más tarde.",
		KindUnclassified: "Ocurrió un error inesperado.",
	},
	language.English: {
		KindConnectivity: "Could not reach the server. Check your internet connection.",
		KindTimeout:      "The request took too long. Please try again.",
		KindUnauthorized: "Your session has expired. Please sign in again.",
		KindForbidden:    "You are not allowed to perform this action.",
		KindNotFound:     "The requested resource was not found.",
		KindValidation:   "The submitted data is not valid.",
		KindServer:       "Internal server error. Please try again later.",
		KindUnclassified: "An unexpected error occurred.",
	},
}

var unclassifiedWithStatus = map[language.Tag]string{
	language.Spanish: "Ocurrió un error inesperado (código %d).",
	language.English: "An unexpected error occurred (code %d).",
}

// Catalog resolves messages for one language.
type Catalog struct {
	tag language.Tag
}

// NewCatalog picks the best supported language for locale (a BCP 47 tag such
// as "es-MX" or "en"). Unknown or empty locales fall back to Spanish.
func NewCatalog(locale string) *Catalog {
	tag, _, _ := matcher.Match(language.Make(locale))
	base, _ := tag.Base()
	for _, s := range supported {
		if b, _ := s.Base(); b == base {
			return &Catalog{tag: s}
		}
	}
	return &Catalog{tag: supported[0]}
}

// Message returns the fixed message for kind. For unclassified failures with a
// status the code is included.
func (c *Catalog) Message(kind Kind, status int) string {
	if c == nil {
		c = &Catalog{tag: supported[0]}
	}
	if kind == KindUnclassified && status != 0 {
		return fmt.Sprintf(unclassifiedWithStatus[c.tag], status)
	}
	return catalogs[c.tag][kind]
}
