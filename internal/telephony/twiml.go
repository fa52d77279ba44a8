package telephony

import (
	"bytes"
	"encoding/xml"
	"strings"

	"callcenter-platform/internal/ivr"
)

// Minimal TwiML builder. Only the verbs the adapter needs; no SDK
// dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Say       *twimlSay
}

func renderTwiML(verbs ...any) string {
	r := twimlResponse{Verbs: verbs}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		// The verb structs above always marshal; a failure here is a
		// programming error, return a safe hangup.
		return xml.Header + "<Response><Hangup/></Response>"
	}
	_ = enc.Flush()
	return buf.String()
}

func renderEmptyResponse() string { return renderTwiML() }

// renderDial bridges the call to a PSTN number or SIP URI.
func renderDial(target string) string {
	d := twimlDial{}
	if strings.HasPrefix(strings.ToLower(target), "sip:") {
		d.Sip = &twimlSip{URI: target}
	} else {
		d.Number = target
	}
	return renderTwiML(d)
}

// renderHold parks the caller on a long pause; unhold re-issues the live
// call flow via renderResume.
func renderHold() string {
	return renderTwiML(twimlSay{Text: "Please hold."}, twimlPause{Length: 3600})
}

func renderResume() string {
	return renderTwiML(twimlPause{Length: 1})
}

// promptVerb speaks text prompts and plays URL prompts.
func promptVerb(prompt string) any {
	if strings.HasPrefix(prompt, "http://") || strings.HasPrefix(prompt, "https://") {
		return twimlPlay{URL: prompt}
	}
	return twimlSay{Text: prompt}
}

// RenderStep expresses one flow step as TwiML: speak the prompts, then
// gather input, bridge, or hang up depending on where the step landed.
// Gathered digits are posted to collectURL; the gather timeout also hits
// collectURL with no digits.
func (a *TwilioAdapter) RenderStep(step ivr.Step, collectURL string) (string, []byte) {
	var verbs []any
	say := step.Say

	switch {
	case step.ExpectInput:
		// The last prompt goes inside Gather so barge-in works.
		var inGather *twimlSay
		if n := len(say); n > 0 {
			if s, ok := promptVerb(say[n-1]).(twimlSay); ok {
				inGather = &s
				say = say[:n-1]
			}
		}
		for _, p := range say {
			verbs = append(verbs, promptVerb(p))
		}
		verbs = append(verbs, twimlGather{
			Timeout: step.TimeoutSeconds,
			Action:  collectURL,
			Say:     inGather,
		})
	case step.TransferTo != "":
		for _, p := range say {
			verbs = append(verbs, promptVerb(p))
		}
		d := twimlDial{}
		if strings.HasPrefix(strings.ToLower(step.TransferTo), "sip:") {
			d.Sip = &twimlSip{URI: step.TransferTo}
		} else {
			d.Number = step.TransferTo
		}
		verbs = append(verbs, d)
	default:
		for _, p := range say {
			verbs = append(verbs, promptVerb(p))
		}
		verbs = append(verbs, twimlHangup{})
	}
	return "application/xml", []byte(renderTwiML(verbs...))
}
