package manager

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

const falseSchemaMessage = "No values are allowed because the schema is set to 'false'"

// FormatValidationError turns a JSON schema evaluation result into a short list of
// messages naming the offending option by its dotted path.
func FormatValidationError(result *jsonschema.EvaluationResult) error {
	list := result.ToList()

	seen := make(map[string]bool)
	var messages []string
	add := func(msg string) {
		if msg != "" && !seen[msg] {
			seen[msg] = true
			messages = append(messages, msg)
		}
	}

	collectValidationMessages(*list, add)

	if len(messages) == 0 {
		return errors.New("configuration is invalid, use -debug for details")
	}
	sort.Strings(messages)
	return fmt.Errorf("\n - %s", strings.Join(messages, "\n - "))
}

func collectValidationMessages(node jsonschema.List, add func(string)) {
	option := optionPath(node.InstanceLocation)

	for keyword, msg := range node.Errors {
		if msg == "" {
			continue
		}
		switch keyword {
		case "properties", "items":
			// reported by the nested details
		case "additionalProperties":
			if fields := unknownFields(msg); len(fields) > 0 {
				for i, f := range fields {
					fields[i] = joinOption(option, f)
				}
				add("Unrecognized option(s) in config file: " + strings.Join(fields, ", "))
			} else {
				add(describeOption(option, msg))
			}
		case "required":
			add(describeOption(option, "missing required option(s): "+msg))
		default:
			if msg == falseSchemaMessage {
				msg = "not a valid configuration option"
			}
			add(describeOption(option, msg))
		}
	}

	for _, detail := range node.Details {
		if !detail.Valid {
			collectValidationMessages(detail, add)
		}
	}
}

func describeOption(option, msg string) string {
	if option == "" {
		return msg
	}
	return fmt.Sprintf("Problem with option '%s': %s", option, msg)
}

// unknownFields parses "Additional properties 'a', 'b' do not match the schema"
func unknownFields(msg string) []string {
	if !strings.HasPrefix(msg, "Additional properties ") {
		return nil
	}
	msg = strings.TrimPrefix(msg, "Additional properties ")
	msg = strings.TrimSuffix(msg, " do not match the schema")

	var fields []string
	for _, f := range strings.Split(msg, ",") {
		if f = strings.Trim(strings.TrimSpace(f), "'"); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// optionPath converts a JSON pointer such as /server/sites/0/id into server.sites[0].id
func optionPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range strings.Split(pointer, "/") {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinOption(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
