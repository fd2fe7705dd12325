package webhook

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields"`
	ImageURL string       `json:"image_url,omitempty"`
	Ts       int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields"`
	Image       *discordImage  `json:"image,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordImage struct {
	URL string `json:"url"`
}

func severityColor(s monitor.Severity) (hex string, rgb int) {
	switch s {
	case monitor.SeverityCritical:
		return "#d50200", 0xd50200
	case monitor.SeverityWarning:
		return "#f2c744", 0xf2c744
	default:
		return "#2fa44f", 0x2fa44f
	}
}

// publicImage returns ref when chat clients can fetch it directly.
func publicImage(ref string) string {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref
	}
	return ""
}

func alertFields(alert monitor.Alert) [][2]string {
	fields := [][2]string{
		{"Change", string(alert.Report.Kind)},
		{"Severity", string(alert.Severity)},
	}
	if cur := alert.Report.Current; cur != nil {
		status := fmt.Sprintf("%d", cur.HTTPStatus)
		if cur.FetchError != nil {
			status = string(cur.FetchError.Kind)
		}
		fields = append(fields,
			[2]string{"Status", status},
			[2]string{"Response time", fmt.Sprintf("%d ms", cur.ResponseTimeMs)},
		)
	}
	if alert.ConsecutiveFailures > 0 {
		fields = append(fields, [2]string{"Consecutive failures", fmt.Sprintf("%d", alert.ConsecutiveFailures)})
	}
	if alert.ScreenshotRef != "" {
		fields = append(fields, [2]string{"Screenshot", alert.ScreenshotRef})
	}
	return fields
}

func slackMessage(alert monitor.Alert) slackPayload {
	color, _ := severityColor(alert.Severity)
	att := slackAttachment{
		Color:    color,
		Title:    alert.Site.URL,
		Text:     alert.Summary(),
		ImageURL: publicImage(alert.ScreenshotRef),
		Ts:       alert.Report.DetectedAt.Unix(),
	}
	for _, f := range alertFields(alert) {
		att.Fields = append(att.Fields, slackField{Title: f[0], Value: f[1], Short: len(f[1]) < 40})
	}
	return slackPayload{Text: alert.Title(), Attachments: []slackAttachment{att}}
}

func discordMessage(alert monitor.Alert) discordPayload {
	_, color := severityColor(alert.Severity)
	embed := discordEmbed{
		Title:       alert.Title(),
		Description: alert.Summary(),
		URL:         alert.Site.URL,
		Color:       color,
		Timestamp:   alert.Report.DetectedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if img := publicImage(alert.ScreenshotRef); img != "" {
		embed.Image = &discordImage{URL: img}
	}
	for _, f := range alertFields(alert) {
		embed.Fields = append(embed.Fields, discordField{Name: f[0], Value: f[1], Inline: len(f[1]) < 40})
	}
	return discordPayload{Content: alert.Title(), Embeds: []discordEmbed{embed}}
}
