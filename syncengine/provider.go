package syncengine

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
)

// Provider lists changed records and writes records at one external platform.
type Provider interface {
	List(ctx context.Context, entityType string, updatedSince string, cursor string, limit int) (Page, error)
	Write(ctx context.Context, record Record) (Record, error)
}

type providerFactory func(cred *credstore.Credential) (Provider, error)

var providerFactories = map[string]providerFactory{
	models.ProviderTypeCRMA: func(cred *credstore.Credential) (Provider, error) {
		return newRestProvider("CRM_A", "https://api.crm-a.example.com", cred)
	},
	models.ProviderTypeCRMB: func(cred *credstore.Credential) (Provider, error) {
		return newRestProvider("CRM_B", "https://api.crm-b.example.com", cred)
	},
	models.ProviderTypeCMS: func(cred *credstore.Credential) (Provider, error) {
		return newRestProvider("CMS", "https://api.cms.example.com", cred)
	},
	models.ProviderTypeSCM: func(cred *credstore.Credential) (Provider, error) {
		return newRestProvider("SCM", "https://api.scm.example.com", cred)
	},
}

// NewProvider builds the client for an instance's provider type.
func NewProvider(providerType string, cred *credstore.Credential) (Provider, error) {
	factory, ok := providerFactories[providerType]
	if !ok {
		return nil, ErrAuthFailed
	}
	return factory(cred)
}

// restProvider adapts the generic REST client to the Provider interface. All
// four supported platforms expose the same cursor-paged listing shape.
type restProvider struct {
	client *restClient
}

func newRestProvider(envPrefix string, defaultBaseURL string, cred *credstore.Credential) (Provider, error) {
	secret := cred.APIKey
	if secret == "" {
		secret = cred.AccessToken
	}
	client, err := newRestClient(envPrefix, defaultBaseURL, secret)
	if err != nil {
		return nil, err
	}
	return &restProvider{client: client}, nil
}

// providerRecord is the wire shape shared by the supported platforms.
type providerRecord struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	UpdatedAt string                 `json:"updated_at"`
	Data      map[string]interface{} `json:"data"`
}

func (p *restProvider) List(ctx context.Context, entityType string, updatedSince string, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 200
	}
	params := url.Values{}
	if updatedSince != "" {
		params.Set("updated_since", updatedSince)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", strconv.Itoa(limit))

	resp, err := p.client.getList(ctx, "/v1/"+entityType, params)
	if err != nil {
		return Page{}, err
	}

	items := resp.Data
	if len(items) == 0 {
		items = resp.Items
	}

	page := Page{NextCursor: resp.NextCursor}
	page.HasMore = resp.NextCursor != "" && (resp.HasMore == nil || *resp.HasMore)
	for _, raw := range items {
		rec, ok := decodeProviderRecord(entityType, raw)
		if !ok {
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (p *restProvider) Write(ctx context.Context, record Record) (Record, error) {
	path := "/v1/" + record.EntityType + "/" + url.PathEscape(record.ExternalId)
	if record.ExternalId == "" {
		path = "/v1/" + record.EntityType
	}
	body, err := p.client.putRecord(ctx, path, map[string]interface{}{
		"id":   record.ExternalId,
		"data": record.Data,
	})
	if err != nil {
		return Record{}, err
	}

	var written providerRecord
	if err := json.Unmarshal(body, &written); err == nil && written.ID != "" {
		record.ExternalId = written.ID
		record.Version = written.Version
		if t, ok := utils.ParseTimeLenient(written.UpdatedAt); ok {
			record.ModifiedAt = &t
		}
	}
	return record, nil
}

func decodeProviderRecord(entityType string, raw json.RawMessage) (Record, bool) {
	var wire providerRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Record{}, false
	}
	if strings.TrimSpace(wire.ID) == "" {
		return Record{}, false
	}

	data := wire.Data
	if data == nil {
		// Flat payloads carry the fields at the top level.
		_ = json.Unmarshal(raw, &data)
		delete(data, "id")
		delete(data, "version")
	}

	rec := Record{
		ExternalId: strings.TrimSpace(wire.ID),
		EntityType: entityType,
		Version:    wire.Version,
		Data:       data,
	}
	if t, ok := utils.ParseTimeLenient(wire.UpdatedAt); ok {
		utc := t.UTC()
		rec.ModifiedAt = &utc
	}
	if rec.Version == "" && wire.UpdatedAt != "" {
		rec.Version = wire.UpdatedAt
	}
	return rec, true
}
