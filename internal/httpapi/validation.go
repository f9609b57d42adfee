package httpapi

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// validateSlug enforces the URL-safe slug shape: lowercase letters,
// digits and hyphens, 1-100 characters.
func validateSlug(slug string) error {
	if slug == "" {
		return errors.New("slug is required")
	}
	if len(slug) > 100 {
		return errors.New("slug too long (max 100)")
	}
	if !slugPattern.MatchString(slug) {
		return errors.New("slug must match [a-z0-9-]+")
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len([]rune(name)) > 100 {
		return errors.New("name too long (max 100)")
	}
	return nil
}

// searchPattern turns free text into a case-insensitive substring ILIKE
// pattern, escaping LIKE metacharacters so user input never acts as a
// wildcard.
func searchPattern(search string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(search) + "%"
}

// parseLimit validates the page size: 1-100, defaulting to 20 when absent.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 20, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if n < 1 || n > 100 {
		return 0, errors.New("limit must be between 1 and 100")
	}
	return n, nil
}
