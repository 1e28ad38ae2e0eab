package scanners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Version returns the engine version; it doubles as the readiness probe.
func (z *ZAP) Version(ctx context.Context) (string, error) {
	res, err := z.do(ctx, "core", "view", "version", nil)
	if err != nil {
		return "", err
	}
	return res.Get("version").String(), nil
}

func (z *ZAP) NumberOfMessages(ctx context.Context, baseURL string) (int, error) {
	res, err := z.view(ctx, "core", "numberOfMessages", url.Values{"baseurl": {baseURL}})
	if err != nil {
		return 0, err
	}
	return intValue(res.Get("numberOfMessages"))
}

// Messages lists recorded exchanges under baseURL, skipping the first start.
func (z *ZAP) Messages(ctx context.Context, baseURL string, start int) ([]schema.Message, error) {
	params := url.Values{"baseurl": {baseURL}}
	if start > 0 {
		params.Set("start", strconv.Itoa(start))
	}
	res, err := z.view(ctx, "core", "messages", params)
	if err != nil {
		return nil, err
	}
	var msgs []schema.Message
	for _, m := range res.Get("messages").Array() {
		msgs = append(msgs, schema.Message{
			ID:             m.Get("id").String(),
			RequestHeader:  m.Get("requestHeader").String(),
			RequestBody:    m.Get("requestBody").String(),
			ResponseHeader: m.Get("responseHeader").String(),
		})
	}
	return msgs, nil
}

func (z *ZAP) URLs(ctx context.Context, baseURL string) ([]string, error) {
	res, err := z.view(ctx, "core", "urls", url.Values{"baseurl": {baseURL}})
	if err != nil {
		return nil, err
	}
	return stringList(res.Get("urls")), nil
}

// Alert fetches one alert with its full payload.
func (z *ZAP) Alert(ctx context.Context, id string) (schema.Alert, error) {
	res, err := z.view(ctx, "core", "alert", url.Values{"id": {id}})
	if err != nil {
		return schema.Alert{}, err
	}
	raw := res.Get("alert")
	if !raw.IsObject() {
		return schema.Alert{}, fmt.Errorf("alert %s: unexpected payload", id)
	}
	var a schema.Alert
	if err := json.Unmarshal([]byte(raw.Raw), &a); err != nil {
		return schema.Alert{}, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return a, nil
}

// ContextList returns the names of the engine's contexts.
func (z *ZAP) ContextList(ctx context.Context) ([]string, error) {
	res, err := z.view(ctx, "context", "contextList", nil)
	if err != nil {
		return nil, err
	}
	return stringList(res.Get("contextList")), nil
}

func (z *ZAP) RemoveContext(ctx context.Context, name string) error {
	_, err := z.action(ctx, "context", "removeContext", url.Values{"contextName": {name}})
	return err
}

// NewContext creates a context and returns its id.
func (z *ZAP) NewContext(ctx context.Context, name string) (string, error) {
	res, err := z.action(ctx, "context", "newContext", url.Values{"contextName": {name}})
	if err != nil {
		return "", err
	}
	return firstValue(res, "contextId").String(), nil
}

// ContextID looks up the id of a named context. Some engine versions return
// the context as an embedded JSON string.
func (z *ZAP) ContextID(ctx context.Context, name string) (string, error) {
	res, err := z.view(ctx, "context", "context", url.Values{"contextName": {name}})
	if err != nil {
		return "", err
	}
	c := res.Get("context")
	if c.Type == gjson.String {
		c = gjson.Parse(c.String())
	}
	id := c.Get("id")
	if !id.Exists() || id.String() == "" {
		return "", errors.New("context " + name + " has no id")
	}
	return id.String(), nil
}

// ImportURL imports a remote API description, rewriting its host to hostOverride.
func (z *ZAP) ImportURL(ctx context.Context, source, hostOverride, contextID string) error {
	params := url.Values{"url": {source}, "hostOverride": {hostOverride}}
	if contextID != "" {
		params.Set("contextId", contextID)
	}
	_, err := z.action(ctx, "openapi", "importUrl", params)
	return err
}

// ImportFile imports an API description from a path inside the engine's filesystem.
func (z *ZAP) ImportFile(ctx context.Context, file, target, contextID string) error {
	params := url.Values{"file": {file}, "target": {target}}
	if contextID != "" {
		params.Set("contextId", contextID)
	}
	_, err := z.action(ctx, "openapi", "importFile", params)
	return err
}
