package scanners

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Engine option names, as used by ascan/view/option<Name> and ascan/action/setOption<Name>.
const (
	OptionThreadPerHost          = "ThreadPerHost"
	OptionTargetParamsInjectable = "TargetParamsInjectable"
	OptionTargetParamsEnabledRPC = "TargetParamsEnabledRPC"
)

// StrengthInsane is the engine's maximum attack strength.
const StrengthInsane = "INSANE"

// Rule is one active scan rule known to the engine.
type Rule struct {
	ID      int
	Name    string
	Enabled bool
}

// ScanRequest describes one active scan submission.
type ScanRequest struct {
	URL       string
	Method    string
	PostData  string
	Policy    string
	ContextID string
	// UserID switches the submission to an authenticated scan.
	UserID string
}

// Scanners lists the active scan rules the engine has installed.
func (z *ZAP) Scanners(ctx context.Context) ([]Rule, error) {
	res, err := z.view(ctx, "ascan", "scanners", nil)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	for _, s := range res.Get("scanners").Array() {
		id, err := intValue(s.Get("id"))
		if err != nil {
			continue
		}
		rules = append(rules, Rule{ID: id, Name: s.Get("name").String(), Enabled: s.Get("enabled").Bool()})
	}
	return rules, nil
}

func (z *ZAP) ScanPolicyNames(ctx context.Context) ([]string, error) {
	res, err := z.view(ctx, "ascan", "scanPolicyNames", nil)
	if err != nil {
		return nil, err
	}
	return stringList(res.Get("scanPolicyNames")), nil
}

func (z *ZAP) AddScanPolicy(ctx context.Context, policy string) error {
	_, err := z.action(ctx, "ascan", "addScanPolicy", url.Values{"scanPolicyName": {policy}})
	return err
}

func (z *ZAP) RemoveScanPolicy(ctx context.Context, policy string) error {
	_, err := z.action(ctx, "ascan", "removeScanPolicy", url.Values{"scanPolicyName": {policy}})
	return err
}

func (z *ZAP) DisableAllScanners(ctx context.Context, policy string) error {
	_, err := z.action(ctx, "ascan", "disableAllScanners", url.Values{"scanPolicyName": {policy}})
	return err
}

// EnableScanners enables the given rule ids in policy.
func (z *ZAP) EnableScanners(ctx context.Context, policy string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	_, err := z.action(ctx, "ascan", "enableScanners", url.Values{
		"ids":            {strings.Join(parts, ",")},
		"scanPolicyName": {policy},
	})
	return err
}

func (z *ZAP) SetScannerAttackStrength(ctx context.Context, policy string, id int, strength string) error {
	_, err := z.action(ctx, "ascan", "setScannerAttackStrength", url.Values{
		"id":             {strconv.Itoa(id)},
		"attackStrength": {strength},
		"scanPolicyName": {policy},
	})
	return err
}

// Scan submits a non-recursive active scan and returns the engine's answer
// verbatim. Callers decide whether it is a usable scan id.
func (z *ZAP) Scan(ctx context.Context, req ScanRequest) (string, error) {
	params := url.Values{
		"url":            {req.URL},
		"recurse":        {"false"},
		"scanPolicyName": {req.Policy},
		"method":         {req.Method},
	}
	if req.PostData != "" {
		params.Set("postData", req.PostData)
	}
	if req.ContextID != "" {
		params.Set("contextId", req.ContextID)
	}

	name := "scan"
	if req.UserID != "" {
		name = "scanAsUser"
		params.Set("userId", req.UserID)
	}
	res, err := z.action(ctx, "ascan", name, params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(firstValue(res, "scan").String()), nil
}

// Status returns scan progress in percent.
func (z *ZAP) Status(ctx context.Context, scanID string) (int, error) {
	res, err := z.view(ctx, "ascan", "status", url.Values{"scanId": {scanID}})
	if err != nil {
		return 0, err
	}
	n, err := intValue(res.Get("status"))
	if err != nil {
		return 0, fmt.Errorf("scan %s status: %w", scanID, err)
	}
	return n, nil
}

func (z *ZAP) Stop(ctx context.Context, scanID string) error {
	_, err := z.action(ctx, "ascan", "stop", url.Values{"scanId": {scanID}})
	return err
}

// MessagesIDs lists the messages a scan generated.
func (z *ZAP) MessagesIDs(ctx context.Context, scanID string) ([]string, error) {
	res, err := z.view(ctx, "ascan", "messagesIds", url.Values{"scanId": {scanID}})
	if err != nil {
		return nil, err
	}
	return stringList(res.Get("messagesIds")), nil
}

// AlertIDs lists the alerts a scan raised.
func (z *ZAP) AlertIDs(ctx context.Context, scanID string) ([]string, error) {
	res, err := z.view(ctx, "ascan", "alertsIds", url.Values{"scanId": {scanID}})
	if err != nil {
		return nil, err
	}
	return stringList(res.Get("alertsIds")), nil
}

// Option reads an integer scanner option such as OptionThreadPerHost.
func (z *ZAP) Option(ctx context.Context, name string) (int, error) {
	res, err := z.view(ctx, "ascan", "option"+name, nil)
	if err != nil {
		return 0, err
	}
	n, err := intValue(firstValue(res, name))
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", name, err)
	}
	return n, nil
}

// SetOption writes an integer scanner option.
func (z *ZAP) SetOption(ctx context.Context, name string, value int) error {
	_, err := z.action(ctx, "ascan", "setOption"+name, url.Values{"Integer": {strconv.Itoa(value)}})
	return err
}
