// Package notify formats and delivers match notifications.
package notify

import (
	"fmt"
	"html"
	"strings"

	"telescope/internal/model"
	"telescope/internal/rules"
)

const divider = "──────────────"

const timestampLayout = "15:04:05 02-01-2006"

// SourceLabel returns a human-friendly source label, using configured
// aliases for the base key and, for forum messages, the topic key.
func SourceLabel(mc model.MessageContext, aliases map[string]string) string {
	if mc.TopicID == nil {
		alias := aliases[mc.BaseSourceKey]
		if alias == "" {
			alias = aliases[mc.SourceKey]
		}
		if alias == "" {
			return mc.BaseSourceKey
		}
		return fmt.Sprintf("%s (%s)", alias, mc.BaseSourceKey)
	}

	baseAlias := aliases[mc.BaseSourceKey]
	topicAlias := aliases[mc.SourceKey]
	baseLabel := mc.BaseSourceKey
	if baseAlias != "" {
		baseLabel = baseAlias
	}

	var label string
	if topicAlias != "" {
		label = fmt.Sprintf("%s / %s", baseLabel, topicAlias)
	} else {
		label = fmt.Sprintf("%s / topic %d", baseLabel, *mc.TopicID)
	}

	if baseAlias != "" || topicAlias != "" {
		return fmt.Sprintf("%s (%s)", label, mc.SourceKey)
	}
	return label
}

// FormatHTML renders the notification body for Telegram's HTML parse
// mode. Formatting lives here so every delivery channel stays
// consistent.
func FormatHTML(mc model.MessageContext, match rules.Match, snippet string, aliases map[string]string) string {
	timestamp := html.EscapeString(mc.Date.Local().Format(timestampLayout))
	ruleName := html.EscapeString(match.RuleName)
	source := html.EscapeString(SourceLabel(mc, aliases))
	reason := html.EscapeString(match.Reason)
	excerpt := html.EscapeString(snippet)

	parts := []string{
		fmt.Sprintf("[%s]", timestamp),
		fmt.Sprintf("<b>Rule:</b> %s", ruleName),
		fmt.Sprintf("<b>Source:</b> %s", source),
		divider,
		"",
		excerpt,
		"",
		"<b>Why:</b>",
		reason,
	}

	if mc.Permalink != "" {
		link := html.EscapeString(mc.Permalink)
		parts = append(parts, "", "<b>Link:</b>", fmt.Sprintf("<a href=\"%s\">%s</a>", link, link))
		if mc.TopicPermalink != "" && mc.TopicPermalink != mc.Permalink {
			topic := html.EscapeString(mc.TopicPermalink)
			parts = append(parts, "", "<b>Topic:</b>", fmt.Sprintf("<a href=\"%s\">%s</a>", topic, topic))
		}
	}

	parts = append(parts, divider)
	return strings.Join(parts, "\n")
}
