// Package mtconnect implements the EndpointClient contract against an
// MTConnect agent's /current document: Header.lastSequence supplies the
// sequence counter, Samples and Events items become fields, and the literal
// UNAVAILABLE maps to the sentinel value.
package mtconnect

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

// maxDocumentBytes bounds how much of a response we are willing to parse.
const maxDocumentBytes = 8 << 20

type Client struct {
	endpoint         string
	includeCondition bool
	http             *http.Client
}

func NewClient(endpoint string, timeout time.Duration, includeCondition bool) *Client {
	return &Client{
		endpoint:         endpoint,
		includeCondition: includeCondition,
		http:             &http.Client{Timeout: timeout},
	}
}

func (c *Client) Fetch(ctx context.Context) (*ports.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("mtconnect: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mtconnect: fetch %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mtconnect: fetch %s: unexpected status %s", c.endpoint, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("mtconnect: read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("mtconnect: empty response body")
	}

	return parseCurrent(body, c.includeCondition)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// parseCurrent walks the document with a token decoder so agents with or
// without a default namespace parse identically.
func parseCurrent(doc []byte, includeCondition bool) (*ports.Snapshot, error) {
	d := xml.NewDecoder(bytes.NewReader(doc))

	snap := &ports.Snapshot{Fields: make(map[string]domain.Value)}
	haveSeq := false
	var stack []string

	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mtconnect: parse: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}

			switch {
			case local == "Header":
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "lastSequence":
						seq, err := strconv.ParseUint(a.Value, 10, 64)
						if err != nil {
							return nil, fmt.Errorf("mtconnect: lastSequence %q: %w", a.Value, err)
						}
						snap.Seq = seq
						haveSeq = true
					case "creationTime":
						if ts, err := time.Parse(time.RFC3339Nano, a.Value); err == nil {
							snap.Timestamp = ts
						}
					}
				}
				stack = append(stack, local)

			case parent == "Samples" || parent == "Events":
				key := itemKey(t)
				var body struct {
					Text string `xml:",chardata"`
				}
				if err := d.DecodeElement(&body, &t); err != nil {
					return nil, fmt.Errorf("mtconnect: parse item %q: %w", key, err)
				}
				snap.Fields[key] = coerce(strings.TrimSpace(body.Text))

			case parent == "Condition":
				if includeCondition {
					// the element name is the state: Normal, Warning, Fault, Unavailable
					snap.Fields[itemKey(t)] = domain.Text(local)
				}
				if err := d.Skip(); err != nil {
					return nil, fmt.Errorf("mtconnect: parse condition: %w", err)
				}

			default:
				stack = append(stack, local)
			}

		case xml.EndElement:
			if len(stack) > 0 && stack[len(stack)-1] == t.Name.Local {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !haveSeq {
		return nil, errors.New("mtconnect: document has no Header lastSequence")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	return snap, nil
}

// itemKey prefers the configured name, then the dataItemId, then the
// element's local name.
func itemKey(se xml.StartElement) string {
	var dataItemID string
	for _, a := range se.Attr {
		switch a.Name.Local {
		case "name":
			if a.Value != "" {
				return a.Value
			}
		case "dataItemId":
			dataItemID = a.Value
		}
	}
	if dataItemID != "" {
		return dataItemID
	}
	return se.Name.Local
}

// coerce applies the original numeric-first interpretation: empty text and
// the UNAVAILABLE literal become the sentinel, parseable numbers become
// numeric values, everything else stays text.
func coerce(text string) domain.Value {
	if text == "" || text == domain.UnavailableText {
		return domain.Unavailable()
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return domain.Number(f)
	}
	return domain.Text(text)
}

var _ ports.EndpointClient = (*Client)(nil)
