package protocol

import (
	"encoding/xml"
	"fmt"
)

// TwiML document returned from the voice webhook. The greeting is spoken
// first, then the provider opens the duplex media stream.

type VoiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
}

type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type Connect struct {
	Stream *Stream `xml:"Stream"`
}

type Stream struct {
	URL string `xml:"url,attr"`
}

// NewVoiceResponse builds the webhook reply: a spoken greeting followed by a
// media-stream connect instruction pointing at streamURL.
func NewVoiceResponse(greeting, voice, streamURL string) *VoiceResponse {
	return &VoiceResponse{
		Say:     &Say{Voice: voice, Text: greeting},
		Connect: &Connect{Stream: &Stream{URL: streamURL}},
	}
}

// Render serializes the document with the XML declaration Twilio expects.
func (r *VoiceResponse) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
