package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Topic names follow "<entityCamelCase><Created|Updated|Deleted>[.<id>]".
// The bus and the registry treat them as opaque strings.

func TopicCreated(m Model) string {
	return ModelTopic(m.ModelName(), Created, "")
}

func TopicUpdated(m Model) string {
	return ModelTopic(m.ModelName(), Updated, m.PrimaryKey())
}

func TopicDeleted(m Model) string {
	return ModelTopic(m.ModelName(), Deleted, m.PrimaryKey())
}

// TopicFor returns the topic a lifecycle operation on m is published under.
func TopicFor(op Operation, m Model) string {
	switch op {
	case Created:
		return TopicCreated(m)
	case Updated:
		return TopicUpdated(m)
	case Deleted:
		return TopicDeleted(m)
	default:
		return ""
	}
}

// ModelTopic builds a lifecycle topic from a model name. Created topics carry
// no id; pk is ignored for them.
func ModelTopic(model string, op Operation, pk string) string {
	var suffix string
	switch op {
	case Created:
		return camel(model) + "Created"
	case Updated:
		suffix = "Updated"
	case Deleted:
		suffix = "Deleted"
	default:
		return ""
	}
	return camel(model) + suffix + "." + pk
}

func camel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
