// Package scannertest provides an in-memory scanning engine for tests.
package scannertest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Policy is the recorded state of one scan policy.
type Policy struct {
	Enabled  []int
	Strength map[int]string
}

// OptionSet records one SetOption call.
type OptionSet struct {
	Name  string
	Value int
}

type scan struct {
	req      scanners.ScanRequest
	progress int
	done     bool
	alerts   []string
	messages []string
}

// Engine implements scanners.Engine in memory. Exported fields configure
// behaviour and must be set before use.
type Engine struct {
	// Rules are the installed active scan rule ids.
	Rules []int
	// Traffic is appended to the message log by every API description import.
	Traffic []schema.Message
	// StatusStep is the progress added by each Status call (default 50).
	StatusStep int
	// MessagesPerScan is how many messages each scan reports (default 3).
	MessagesPerScan int
	// Vulnerable decides whether a scan raises an alert.
	Vulnerable func(req scanners.ScanRequest) bool
	// Reject makes a submission fail; a non-empty id is returned verbatim.
	Reject func(req scanners.ScanRequest) (string, error)
	// Fail injects an error into the named method.
	Fail map[string]error

	mu          sync.Mutex
	policies    map[string]*Policy
	policyOrder []string
	options     map[string]int
	optionLog   []OptionSet
	contexts    map[string]string
	ctxSeq      int
	messages    []schema.Message
	scans       map[string]*scan
	scanSeq     int
	alerts      map[string]schema.Alert
	alertSeq    int
	inFlight    int
	maxInFlight int
	statusCalls map[string]int
	stopped     []string
	imports     []string
}

// New returns an engine with the given rules installed and a thread-per-host of threads.
func New(threads int, rules ...int) *Engine {
	return &Engine{
		Rules:       rules,
		policies:    make(map[string]*Policy),
		options:     map[string]int{scanners.OptionThreadPerHost: threads, scanners.OptionTargetParamsInjectable: 31, scanners.OptionTargetParamsEnabledRPC: 39},
		contexts:    make(map[string]string),
		scans:       make(map[string]*scan),
		alerts:      make(map[string]schema.Alert),
		statusCalls: make(map[string]int),
	}
}

var _ scanners.Engine = (*Engine)(nil)

func (e *Engine) fail(method string) error {
	if e.Fail == nil {
		return nil
	}
	return e.Fail[method]
}

func (e *Engine) Version(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Version"); err != nil {
		return "", err
	}
	return "2.16.0", nil
}

func (e *Engine) Scanners(context.Context) ([]scanners.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Scanners"); err != nil {
		return nil, err
	}
	out := make([]scanners.Rule, 0, len(e.Rules))
	for _, id := range e.Rules {
		out = append(out, scanners.Rule{ID: id, Name: "rule " + strconv.Itoa(id), Enabled: true})
	}
	return out, nil
}

func (e *Engine) ScanPolicyNames(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.policyOrder), nil
}

func (e *Engine) AddScanPolicy(_ context.Context, policy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("AddScanPolicy"); err != nil {
		return err
	}
	if _, ok := e.policies[policy]; ok {
		return &scanners.APIError{Status: 400, Code: "already_exists", Message: policy}
	}
	all := make([]int, len(e.Rules))
	copy(all, e.Rules)
	e.policies[policy] = &Policy{Enabled: all, Strength: map[int]string{}}
	e.policyOrder = append(e.policyOrder, policy)
	return nil
}

func (e *Engine) RemoveScanPolicy(_ context.Context, policy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[policy]; !ok {
		return &scanners.APIError{Status: 400, Code: "does_not_exist", Message: policy}
	}
	delete(e.policies, policy)
	e.policyOrder = slices.DeleteFunc(e.policyOrder, func(p string) bool { return p == policy })
	return nil
}

func (e *Engine) DisableAllScanners(_ context.Context, policy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.policy(policy)
	if err != nil {
		return err
	}
	p.Enabled = nil
	return nil
}

func (e *Engine) EnableScanners(_ context.Context, policy string, ids []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.policy(policy)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !slices.Contains(e.Rules, id) {
			return &scanners.APIError{Status: 400, Code: "illegal_parameter", Message: "unknown scanner " + strconv.Itoa(id)}
		}
		if !slices.Contains(p.Enabled, id) {
			p.Enabled = append(p.Enabled, id)
		}
	}
	return nil
}

func (e *Engine) SetScannerAttackStrength(_ context.Context, policy string, id int, strength string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.policy(policy)
	if err != nil {
		return err
	}
	p.Strength[id] = strength
	return nil
}

func (e *Engine) policy(name string) (*Policy, error) {
	p, ok := e.policies[name]
	if !ok {
		return nil, &scanners.APIError{Status: 400, Code: "does_not_exist", Message: name}
	}
	return p, nil
}

// Policy returns a copy of the named policy's state.
func (e *Engine) Policy(name string) (Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[name]
	if !ok {
		return Policy{}, false
	}
	strength := make(map[int]string, len(p.Strength))
	for k, v := range p.Strength {
		strength[k] = v
	}
	return Policy{Enabled: slices.Clone(p.Enabled), Strength: strength}, true
}

func (e *Engine) Option(_ context.Context, name string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Option"); err != nil {
		return 0, err
	}
	v, ok := e.options[name]
	if !ok {
		return 0, &scanners.APIError{Status: 400, Code: "bad_view", Message: name}
	}
	return v, nil
}

func (e *Engine) SetOption(_ context.Context, name string, value int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.options[name] = value
	e.optionLog = append(e.optionLog, OptionSet{Name: name, Value: value})
	return nil
}

// Options returns the current option values.
func (e *Engine) Options() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.options))
	for k, v := range e.options {
		out[k] = v
	}
	return out
}

// OptionLog returns every SetOption call in order.
func (e *Engine) OptionLog() []OptionSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.optionLog)
}

func (e *Engine) Scan(_ context.Context, req scanners.ScanRequest) (string, error) {
	if e.Reject != nil {
		if id, err := e.Reject(req); id != "" || err != nil {
			return id, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[req.Policy]; !ok {
		return "", &scanners.APIError{Status: 400, Code: "does_not_exist", Message: req.Policy}
	}

	e.scanSeq++
	id := strconv.Itoa(e.scanSeq)
	s := &scan{req: req}
	for i := 0; i < e.messagesPerScan(); i++ {
		msgID := fmt.Sprintf("%s-%d", id, i)
		s.messages = append(s.messages, msgID)
		e.messages = append(e.messages, schema.Message{
			ID:            msgID,
			RequestHeader: req.Method + " " + req.URL + " HTTP/1.1\r\n",
		})
	}
	if e.Vulnerable != nil && e.Vulnerable(req) {
		e.alertSeq++
		alertID := strconv.Itoa(e.alertSeq)
		raw, _ := json.Marshal(map[string]any{
			"id":         alertID,
			"name":       "Finding for " + req.Policy,
			"risk":       "High",
			"confidence": "Medium",
			"url":        req.URL,
			"method":     req.Method,
			"cweid":      strings.TrimPrefix(strings.TrimPrefix(req.Policy, "policy-"), "CWE-"),
			"pluginId":   "40018",
		})
		var a schema.Alert
		_ = json.Unmarshal(raw, &a)
		e.alerts[alertID] = a
		s.alerts = append(s.alerts, alertID)
	}
	e.scans[id] = s
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	return id, nil
}

func (e *Engine) messagesPerScan() int {
	if e.MessagesPerScan > 0 {
		return e.MessagesPerScan
	}
	return 3
}

func (e *Engine) Status(_ context.Context, scanID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Status"); err != nil {
		return 0, err
	}
	s, ok := e.scans[scanID]
	if !ok {
		return 0, &scanners.APIError{Status: 400, Code: "does_not_exist", Message: scanID}
	}
	e.statusCalls[scanID]++
	step := e.StatusStep
	if step <= 0 {
		step = 50
	}
	s.progress = min(100, s.progress+step)
	if s.progress == 100 && !s.done {
		s.done = true
		e.inFlight--
	}
	return s.progress, nil
}

func (e *Engine) Stop(_ context.Context, scanID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scans[scanID]
	if !ok {
		return &scanners.APIError{Status: 400, Code: "does_not_exist", Message: scanID}
	}
	if !s.done {
		s.done = true
		e.inFlight--
	}
	e.stopped = append(e.stopped, scanID)
	return nil
}

func (e *Engine) MessagesIDs(_ context.Context, scanID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scans[scanID]
	if !ok {
		return nil, &scanners.APIError{Status: 400, Code: "does_not_exist", Message: scanID}
	}
	return slices.Clone(s.messages), nil
}

func (e *Engine) AlertIDs(_ context.Context, scanID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("AlertIDs"); err != nil {
		return nil, err
	}
	s, ok := e.scans[scanID]
	if !ok {
		return nil, &scanners.APIError{Status: 400, Code: "does_not_exist", Message: scanID}
	}
	return slices.Clone(s.alerts), nil
}

func (e *Engine) Alert(_ context.Context, id string) (schema.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return schema.Alert{}, &scanners.APIError{Status: 400, Code: "does_not_exist", Message: id}
	}
	return a, nil
}

func (e *Engine) NumberOfMessages(_ context.Context, baseURL string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.under(baseURL)), nil
}

func (e *Engine) Messages(_ context.Context, baseURL string, start int) ([]schema.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Messages"); err != nil {
		return nil, err
	}
	msgs := e.under(baseURL)
	if start >= len(msgs) {
		return nil, nil
	}
	return slices.Clone(msgs[start:]), nil
}

func (e *Engine) URLs(_ context.Context, baseURL string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, m := range e.under(baseURL) {
		fields := strings.Fields(m.RequestHeader)
		if len(fields) > 1 && !seen[fields[1]] {
			seen[fields[1]] = true
			out = append(out, fields[1])
		}
	}
	return out, nil
}

func (e *Engine) under(baseURL string) []schema.Message {
	var out []schema.Message
	for _, m := range e.messages {
		fields := strings.Fields(m.RequestHeader)
		if len(fields) > 1 && strings.HasPrefix(fields[1], baseURL) {
			out = append(out, m)
		}
	}
	return out
}

// Record appends an exchange to the message log, as if proxied through the engine.
func (e *Engine) Record(msgs ...schema.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msgs...)
}

func (e *Engine) ContextList(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.contexts))
	for name := range e.contexts {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (e *Engine) RemoveContext(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[name]; !ok {
		return &scanners.APIError{Status: 400, Code: "context_not_found", Message: name}
	}
	delete(e.contexts, name)
	return nil
}

func (e *Engine) NewContext(_ context.Context, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[name]; ok {
		return "", &scanners.APIError{Status: 400, Code: "already_exists", Message: name}
	}
	e.ctxSeq++
	id := strconv.Itoa(e.ctxSeq)
	e.contexts[name] = id
	return id, nil
}

func (e *Engine) ContextID(_ context.Context, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.contexts[name]
	if !ok {
		return "", &scanners.APIError{Status: 400, Code: "context_not_found", Message: name}
	}
	return id, nil
}

func (e *Engine) ImportURL(_ context.Context, source, hostOverride, _ string) error {
	return e.importDescription("url:" + source + "@" + hostOverride)
}

func (e *Engine) ImportFile(_ context.Context, file, target, _ string) error {
	return e.importDescription("file:" + file + "@" + target)
}

func (e *Engine) importDescription(what string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("Import"); err != nil {
		return err
	}
	e.imports = append(e.imports, what)
	e.messages = append(e.messages, e.Traffic...)
	return nil
}

// Imports lists the API description imports performed.
func (e *Engine) Imports() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.imports)
}

// MaxInFlight is the highest number of scans that were running at once.
func (e *Engine) MaxInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxInFlight
}

// InFlight is the number of scans not yet complete.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Submitted returns every accepted scan request keyed by scan id.
func (e *Engine) Submitted() map[string]scanners.ScanRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]scanners.ScanRequest, len(e.scans))
	for id, s := range e.scans {
		out[id] = s.req
	}
	return out
}

// StatusCalls returns how often a scan was polled.
func (e *Engine) StatusCalls(scanID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusCalls[scanID]
}

// Stopped lists scans stopped through the API.
func (e *Engine) Stopped() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.stopped)
}
