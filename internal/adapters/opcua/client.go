// Package opcua implements the EndpointClient contract with a synchronous
// read per poll: one configured sequence node plus one node per observed
// field. The poll cadence stays with the Poller rather than a server-side
// subscription so both transports behave identically under the scheduler.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

// Config captures the session details and node mapping for one source.
type Config struct {
	Username        string       `yaml:"username"`
	Password        string       `yaml:"password"`
	SecurityMode    string       `yaml:"security_mode"`
	SecurityPolicy  string       `yaml:"security_policy"`
	ApplicationName string       `yaml:"application_name"`
	SeqNodeID       string       `yaml:"seq_node_id"`
	Nodes           []NodeConfig `yaml:"nodes"`
}

// NodeConfig maps one node onto an observed field name.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`
	Field  string `yaml:"field"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "mtrec"
	}
	for i := range c.Nodes {
		if c.Nodes[i].Field == "" {
			c.Nodes[i].Field = c.Nodes[i].NodeID
		}
	}
}

func (c *Config) Validate() error {
	if c.SeqNodeID == "" {
		return errors.New("seq_node_id is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	return nil
}

type Client struct {
	cfg      Config
	endpoint string

	seqID  *ua.NodeID
	ids    []*ua.NodeID
	fields []string

	mu     sync.Mutex
	client *opcua.Client
}

func NewClient(endpoint string, cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seqID, err := ua.ParseNodeID(cfg.SeqNodeID)
	if err != nil {
		return nil, fmt.Errorf("parse seq node id %q: %w", cfg.SeqNodeID, err)
	}

	ids := make([]*ua.NodeID, 0, len(cfg.Nodes))
	fields := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		id, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		ids = append(ids, id)
		fields = append(fields, node.Field)
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		seqID:    seqID,
		ids:      ids,
		fields:   fields,
	}, nil
}

func (c *Client) Fetch(ctx context.Context) (*ports.Snapshot, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*ua.ReadValueID, 0, len(c.ids)+1)
	nodes = append(nodes, &ua.ReadValueID{NodeID: c.seqID, AttributeID: ua.AttributeIDValue})
	for _, id := range c.ids {
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        nodes,
	})
	if err != nil {
		c.disconnect()
		return nil, fmt.Errorf("opcua read %s: %w", c.endpoint, err)
	}
	if len(resp.Results) != len(nodes) {
		return nil, fmt.Errorf("opcua read %s: expected %d results, got %d", c.endpoint, len(nodes), len(resp.Results))
	}

	seqResult := resp.Results[0]
	if seqResult.Status != ua.StatusOK {
		return nil, fmt.Errorf("opcua read %s: sequence node status %s", c.endpoint, seqResult.Status)
	}
	seq, ok := variantToUint64(seqResult.Value)
	if !ok {
		return nil, fmt.Errorf("opcua read %s: sequence node is not an integer", c.endpoint)
	}

	snap := &ports.Snapshot{
		Seq:       seq,
		Timestamp: resultTimestamp(seqResult),
		Fields:    make(map[string]domain.Value, len(c.fields)),
	}
	for i, field := range c.fields {
		r := resp.Results[i+1]
		if r.Status != ua.StatusOK {
			snap.Fields[field] = domain.Unavailable()
			continue
		}
		snap.Fields[field] = variantToValue(r.Value)
	}
	return snap, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Close(ctx)
}

// connect lazily opens the session; failed fetches tear it down so the next
// poll reconnects.
func (c *Client) connect(ctx context.Context) (*opcua.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := opcua.NewClient(c.endpoint, c.buildClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect %s: %w", c.endpoint, err)
	}
	c.client = client
	return client, nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Close(ctx)
	}
}

func (c *Client) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}

	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func resultTimestamp(dv *ua.DataValue) time.Time {
	ts := dv.ServerTimestamp
	if ts.IsZero() {
		ts = dv.SourceTimestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts
}

func variantToValue(v *ua.Variant) domain.Value {
	if v == nil {
		return domain.Unavailable()
	}
	if f, ok := variantToFloat(v); ok {
		return domain.Number(f)
	}
	switch val := v.Value().(type) {
	case string:
		return domain.Text(val)
	case bool:
		if val {
			return domain.Number(1)
		}
		return domain.Number(0)
	default:
		return domain.Unavailable()
	}
}

func variantToUint64(v *ua.Variant) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.Value().(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int8:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int16:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int32:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	default:
		return 0, false
	}
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.EndpointClient = (*Client)(nil)
