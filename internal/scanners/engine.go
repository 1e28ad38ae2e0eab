package scanners

import (
	"context"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Engine is the full set of engine operations a confirmation run uses.
// Components depend on narrower subsets of it.
type Engine interface {
	Version(ctx context.Context) (string, error)

	Scanners(ctx context.Context) ([]Rule, error)
	ScanPolicyNames(ctx context.Context) ([]string, error)
	AddScanPolicy(ctx context.Context, policy string) error
	RemoveScanPolicy(ctx context.Context, policy string) error
	DisableAllScanners(ctx context.Context, policy string) error
	EnableScanners(ctx context.Context, policy string, ids []int) error
	SetScannerAttackStrength(ctx context.Context, policy string, id int, strength string) error

	Option(ctx context.Context, name string) (int, error)
	SetOption(ctx context.Context, name string, value int) error

	Scan(ctx context.Context, req ScanRequest) (string, error)
	Status(ctx context.Context, scanID string) (int, error)
	Stop(ctx context.Context, scanID string) error
	MessagesIDs(ctx context.Context, scanID string) ([]string, error)
	AlertIDs(ctx context.Context, scanID string) ([]string, error)
	Alert(ctx context.Context, id string) (schema.Alert, error)

	NumberOfMessages(ctx context.Context, baseURL string) (int, error)
	Messages(ctx context.Context, baseURL string, start int) ([]schema.Message, error)
	URLs(ctx context.Context, baseURL string) ([]string, error)

	ContextList(ctx context.Context) ([]string, error)
	RemoveContext(ctx context.Context, name string) error
	NewContext(ctx context.Context, name string) (string, error)
	ContextID(ctx context.Context, name string) (string, error)

	ImportURL(ctx context.Context, source, hostOverride, contextID string) error
	ImportFile(ctx context.Context, file, target, contextID string) error
}

var _ Engine = (*ZAP)(nil)
