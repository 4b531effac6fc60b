package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

// OpenSearchConfig holds connection and index naming settings.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	MaxRetries    int
	Timeout       time.Duration
}

// OpenSearch writes one index per event kind, using the event timestamp as an external
// document version so older events never overwrite newer ones.
type OpenSearch struct {
	client *opensearch.Client
	cfg    OpenSearchConfig
}

// NewOpenSearch creates the client and verifies the cluster answers.
func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:    []string{cfg.URL},
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    httpClient.Transport,
		MaxRetries:   cfg.MaxRetries,
		DisableRetry: cfg.MaxRetries <= 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &OpenSearch{client: client, cfg: cfg}, nil
}

// IndexName returns the index records of kind are written to.
func (o *OpenSearch) IndexName(kind models.Kind) string {
	return o.cfg.IndexPrefix + "-" + kind.Collection()
}

// EnsureTemplate installs the index template mapping identity fields as keywords.
func (o *OpenSearch) EnsureTemplate(ctx context.Context) error {
	keyword := map[string]any{"type": "keyword"}
	template := map[string]any{
		"index_patterns": []string{o.cfg.IndexPrefix + "-*"},
		"template": map[string]any{
			"mappings": map[string]any{
				"dynamic": true,
				"properties": map[string]any{
					"type":       keyword,
					"pid":        keyword,
					"website":    keyword,
					"event_id":   keyword,
					"session":    keyword,
					"page":       keyword,
					"referrer":   keyword,
					"browser":    keyword,
					"os":         keyword,
					"device":     keyword,
					"country":    keyword,
					"name":       keyword,
					"user_agent": map[string]any{"type": "text"},
					"metadata":   map[string]any{"type": "object", "dynamic": true},
					"duration":   map[string]any{"type": "long"},
					"timestamp":  map[string]any{"type": "date"},
					"updated_at": map[string]any{"type": "date"},
				},
			},
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := o.client.Indices.PutIndexTemplate(
		o.cfg.IndexPrefix+"-template",
		bytes.NewReader(body),
		o.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func (o *OpenSearch) Apply(ctx context.Context, event *models.Event) error {
	rec := event.Record()

	body, err := documentBody(rec)
	if err != nil {
		return NewPermanent(rec.Key, err)
	}

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	res, err := o.client.Index(
		o.IndexName(event.Kind),
		bytes.NewReader(body),
		o.client.Index.WithContext(ctx),
		o.client.Index.WithDocumentID(rec.Key),
		o.client.Index.WithVersion(int(rec.UpdatedAt.UnixMilli())),
		o.client.Index.WithVersionType("external"),
	)
	if err != nil {
		return NewTransient(rec.Key, err)
	}
	defer res.Body.Close()

	switch {
	case !res.IsError():
		return nil
	case res.StatusCode == http.StatusConflict:
		// Stored version is equal or newer.
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return NewTransient(rec.Key, responseError(res.Status(), res.Body))
	default:
		return NewPermanent(rec.Key, responseError(res.Status(), res.Body))
	}
}

func (o *OpenSearch) Close(context.Context) error {
	return nil
}

// documentBody encodes rec without _id, which OpenSearch only accepts in the URL.
func documentBody(rec *models.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return json.Marshal(doc)
}

func responseError(status string, body io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Type != "" {
		return fmt.Errorf("opensearch %s: %s: %s", status, parsed.Error.Type, parsed.Error.Reason)
	}
	return errors.New("opensearch " + status + ": " + string(data))
}
