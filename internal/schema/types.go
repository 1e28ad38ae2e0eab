package schema

import (
	"encoding/json"
	"strings"
)

// Input vector bits understood by the scanning engine's target params option.
const (
	VectorQuery  = 1
	VectorBody   = 2
	VectorPath   = 4
	VectorHeader = 8
	VectorCookie = 16

	DefaultInputVectors = VectorQuery | VectorBody | VectorPath | VectorHeader | VectorCookie
)

// Scan error codes recorded on endpoints that could not be scanned.
const (
	ErrCodeNoMatchedURL = "no_matched_url"
	ErrCodeNoPolicy     = "no_policy"
	ErrCodeScanFailed   = "scan_failed"
	ErrCodeScanTimeout  = "scan_timeout"
)

// Key is the identity of a candidate finding: (method, path, vulnerability class).
type Key struct {
	Method string
	Path   string
	CWE    string
}

func (k Key) String() string {
	return k.Method + " " + k.Path + " (" + k.CWE + ")"
}

// Route is the (method, path) part of a Key; several classes can share one route.
type Route struct {
	Method string
	Path   string
}

// Endpoint is one candidate finding that needs dynamic confirmation.
type Endpoint struct {
	CWE          string `json:"cwe"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	InputVectors int    `json:"input_vectors"`
	RuleID       string `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	Description  string `json:"description"`
	RiskLevel    string `json:"risk_level"`

	// Filled in while the run progresses.
	MatchedURL string `json:"matched_url,omitempty"`
	PostData   string `json:"-"`
	ScanID     string `json:"scan_id"`
	ScanError  string `json:"scan_error"`
}

// Key returns the endpoint identity triple.
func (e *Endpoint) Key() Key {
	return Key{Method: e.Method, Path: e.Path, CWE: e.CWE}
}

func (e *Endpoint) Route() Route {
	return Route{Method: strings.ToUpper(e.Method), Path: e.Path}
}

// Scannable reports whether the endpoint has been resolved to concrete traffic.
func (e *Endpoint) Scannable() bool {
	return e.MatchedURL != ""
}

// Scanned reports whether a scan was ever submitted for the endpoint.
func (e *Endpoint) Scanned() bool {
	return e.ScanID != ""
}

// Resolve returns a scannable copy of e bound to one observed exchange.
func (e *Endpoint) Resolve(method, url, postData string) *Endpoint {
	c := *e
	c.Method = method
	c.MatchedURL = url
	c.PostData = postData
	c.ScanID = ""
	c.ScanError = ""
	return &c
}

// Fingerprint is one analyzer finding identified by its content hash.
type Fingerprint struct {
	Hash        string
	Method      string
	Path        string
	CWEs        []string
	RuleID      string
	RuleName    string
	Description string
	RiskLevel   string
}

// ScanPolicy scopes one vulnerability class to a set of engine rules.
type ScanPolicy struct {
	Name     string
	CWE      string
	RuleIDs  []int
	Strength string
}

// Message is one HTTP exchange recorded by the scanning engine.
type Message struct {
	ID             string
	RequestHeader  string
	RequestBody    string
	ResponseHeader string
}

// Alert is one engine alert. Raw keeps the payload exactly as the engine sent it.
type Alert struct {
	ID         string
	Name       string
	Risk       string
	Confidence string
	URL        string
	Param      string
	PluginID   string
	CWEID      string
	Raw        json.RawMessage
}

type alertFields struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Risk       string `json:"risk"`
	Confidence string `json:"confidence"`
	URL        string `json:"url"`
	Param      string `json:"param"`
	PluginID   string `json:"pluginId"`
	CWEID      string `json:"cweid"`
}

func (a Alert) MarshalJSON() ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	return json.Marshal(alertFields{a.ID, a.Name, a.Risk, a.Confidence, a.URL, a.Param, a.PluginID, a.CWEID})
}

func (a *Alert) UnmarshalJSON(b []byte) error {
	var f alertFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Alert{
		ID:         f.ID,
		Name:       f.Name,
		Risk:       f.Risk,
		Confidence: f.Confidence,
		URL:        f.URL,
		Param:      f.Param,
		PluginID:   f.PluginID,
		CWEID:      f.CWEID,
		Raw:        append(json.RawMessage(nil), b...),
	}
	return nil
}
