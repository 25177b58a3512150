package insight

import (
	"strings"
	"testing"
)

func TestParse_WellFormed(t *testing.T) {
	input := "1. General insights\nLights used more today.\n2. Alerts\nNone.\n3. Summary\nAll normal."

	got := Parse(input)
	if got.Insights != "Lights used more today." {
		t.Errorf("Insights = %q", got.Insights)
	}
	if got.Alerts != "None." {
		t.Errorf("Alerts = %q", got.Alerts)
	}
	if got.Summary != "All normal." {
		t.Errorf("Summary = %q", got.Summary)
	}
	if got.Status != StatusOK {
		t.Errorf("Status = %s, want OK", got.Status)
	}
	if got.Raw != input {
		t.Errorf("Raw = %q, want full input", got.Raw)
	}
	if got.Message != "" {
		t.Errorf("Message = %q, want empty", got.Message)
	}
}

func TestParse_Sections(t *testing.T) {
	tests := []struct {
		name                      string
		input                     string
		insights, alerts, summary string
		status                    Status
	}{
		{
			name:     "case and whitespace tolerant",
			input:    "   1. GENERAL INSIGHTS   \nHeating ran long.\n\n  2.  alerts\nFront door open.\n3. summary  \nMostly normal.",
			insights: "Heating ran long.",
			alerts:   "Front door open.",
			summary:  "Mostly normal.",
			status:   StatusOK,
		},
		{
			name:     "markdown headings and emphasis",
			input:    "## **General Insights**\n- Kitchen busy.\n- Garage idle.\n### 2) Alerts\n**None**\n**3. Summary:**\nQuiet day.",
			insights: "- Kitchen busy.\n- Garage idle.",
			alerts:   "**None**",
			summary:  "Quiet day.",
			status:   StatusOK,
		},
		{
			name:     "text after colon starts the body",
			input:    "Insights: Power use is up.\nMore detail.\nAlerts: Window open in the rain.\nSummary: Watch the window.",
			insights: "Power use is up.\nMore detail.",
			alerts:   "Window open in the rain.",
			summary:  "Watch the window.",
			status:   StatusOK,
		},
		{
			name:     "bare ordinals",
			input:    "1.\nA\n2)\nB\n3:\nC",
			insights: "A",
			alerts:   "B",
			summary:  "C",
			status:   StatusOK,
		},
		{
			name:     "numbered list items stay in the body",
			input:    "1. General insights\n1. Kitchen light on for 8 hours.\n2. Thermostat cycled often.\n2. Alerts\nNone.\n3. Summary\nFine.",
			insights: "1. Kitchen light on for 8 hours.\n2. Thermostat cycled often.",
			alerts:   "None.",
			summary:  "Fine.",
			status:   StatusOK,
		},
		{
			name:     "header 2 missing",
			input:    "1. General insights\nLights used more today.\n3. Summary\nAll normal.",
			insights: "Lights used more today.",
			alerts:   "",
			summary:  "All normal.",
			status:   StatusParseIncomplete,
		},
		{
			name:    "no headers",
			input:   "The model ignored the instructions entirely.\nSecond line.",
			status:  StatusParseIncomplete,
			summary: "",
		},
		{
			name:     "earlier header never re-matches",
			input:    "1. General insights\nA\n2. Alerts\nB\n1. General insights\nC\n3. Summary\nD",
			insights: "A",
			alerts:   "B\n1. General insights\nC",
			summary:  "D",
			status:   StatusOK,
		},
		{
			name:     "preamble before first header is dropped",
			input:    "Sure! Here is my analysis.\n\n1. General insights\nA\n2. Alerts\nB\n3. Summary\nC",
			insights: "A",
			alerts:   "B",
			summary:  "C",
			status:   StatusOK,
		},
		{
			name:     "mismatched ordinal and keyword is not a header",
			input:    "1. General insights\nA\n2. Summary\nB\n3. Summary\nC",
			insights: "A\n2. Summary\nB",
			summary:  "C",
			status:   StatusParseIncomplete,
		},
		{
			name:     "headers with trailing words",
			input:    "1. General insights about your home\nLights used more.\n2. Alerts and warnings\nDoor open.\n3. Summary of the day\nAll normal.",
			insights: "Lights used more.",
			alerts:   "Door open.",
			summary:  "All normal.",
			status:   StatusOK,
		},
		{
			name:     "markdown heading with trailing words",
			input:    "## General Insights and Trends\nA\n## Alerts (2 found)\nB\n## Summary for today\nC",
			insights: "A",
			alerts:   "B",
			summary:  "C",
			status:   StatusOK,
		},
		{
			name:     "exclamation and question marks",
			input:    "Insights?\nLights used more.  \n  ALERTS!\nNone.\nSummary!!\nAll normal.",
			insights: "Lights used more.",
			alerts:   "None.",
			summary:  "All normal.",
			status:   StatusOK,
		},
		{
			name:     "body sentences starting with a keyword stay in the body",
			input:    "1. General insights\nAlerts were quiet overnight, nothing needed attention.\nSummary statistics look normal.\n2. Alerts\nNone.\n3. Summary\nFine.",
			insights: "Alerts were quiet overnight, nothing needed attention.\nSummary statistics look normal.",
			alerts:   "None.",
			summary:  "Fine.",
			status:   StatusOK,
		},
		{
			name:     "windows line endings",
			input:    "1. General insights\r\nA\r\n2. Alerts\r\nB\r\n3. Summary\r\nC\r\n",
			insights: "A",
			alerts:   "B",
			summary:  "C",
			status:   StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if got.Insights != tt.insights {
				t.Errorf("Insights = %q, want %q", got.Insights, tt.insights)
			}
			if got.Alerts != tt.alerts {
				t.Errorf("Alerts = %q, want %q", got.Alerts, tt.alerts)
			}
			if got.Summary != tt.summary {
				t.Errorf("Summary = %q, want %q", got.Summary, tt.summary)
			}
			if got.Status != tt.status {
				t.Errorf("Status = %s, want %s", got.Status, tt.status)
			}
			if got.Raw != tt.input {
				t.Error("Raw must equal the full input")
			}
		})
	}
}

func TestParse_IncompleteMessageNamesMissingSections(t *testing.T) {
	got := Parse("2. Alerts\nNone.")
	if !strings.Contains(got.Message, "insights") || !strings.Contains(got.Message, "summary") {
		t.Errorf("Message = %q", got.Message)
	}
	if strings.Contains(got.Message, "alerts") {
		t.Errorf("Message should not list the alerts section: %q", got.Message)
	}
}

func TestParse_Deterministic(t *testing.T) {
	input := "1. General insights\nA\n2. Alerts\nB\n3. Summary\nC"
	first := Parse(input)
	for range 10 {
		if got := Parse(input); got != first {
			t.Fatalf("Parse is not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestMatchHeader(t *testing.T) {
	tests := []struct {
		line    string
		section int
		rest    string
		ok      bool
	}{
		{"1. General insights", 1, "", true},
		{"Key Insights:", 1, "", true},
		{"**Observations**", 1, "", true},
		{"# Alerts", 2, "", true},
		{"Unusual activity: door opened at 3am", 2, "door opened at 3am", true},
		{"3) Overall Summary.", 3, "", true},
		{"Summary (last 24 hours)", 3, "", true},
		{"1. General insights about your home", 1, "", true},
		{"## General Insights and Trends", 1, "", true},
		{"2. Alerts and warnings", 2, "", true},
		{"Summary of the day", 3, "", true},
		{"ALERTS!", 2, "", true},
		{"Insights?", 1, "", true},
		{"**Alerts and warnings:** none", 2, "none", true},
		{"Alerts were quiet overnight, nothing needed attention.", 0, "", false},
		{"Summary statistics look normal.", 0, "", false},
		{"2. Summaryish", 0, "", false},
		{"2.", 2, "", true},
		{"4.", 0, "", false},
		{"12:30 the lights came on", 0, "", false},
		{"2. The dishwasher ran twice", 0, "", false},
		{"Summarizing the data", 0, "", false},
		{"", 0, "", false},
		{"***", 0, "", false},
	}
	for _, tt := range tests {
		sec, rest, ok := matchHeader(tt.line)
		if sec != tt.section || rest != tt.rest || ok != tt.ok {
			t.Errorf("matchHeader(%q) = (%d, %q, %v), want (%d, %q, %v)",
				tt.line, sec, rest, ok, tt.section, tt.rest, tt.ok)
		}
	}
}

func TestParseState_String(t *testing.T) {
	if seeking1.String() != "SEEKING_1" || done.String() != "DONE" {
		t.Errorf("state names = %s, %s", seeking1, done)
	}
}
