package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/refhub/refsync-worker/internal/models"
)

// Zotero syncs against the Zotero web API (v3), which uses versioned
// incremental sync: every item carries a library version, and ?since=N
// returns only items modified after version N. API keys are static and never
// expire, so Refresh only revalidates the key.
//
// CollectionRef.ID is "<libraryID>" for a whole user library or
// "<libraryID>/<collectionKey>" for one collection, captured at link time.
type Zotero struct {
	baseURL    string
	httpClient *http.Client
}

func NewZotero(baseURL string) *Zotero {
	return &Zotero{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (z *Zotero) Service() string {
	return models.ServiceZotero
}

// zoteroCursor is the opaque cursor persisted between runs. Version is the
// library version already fully synced; Start is the page offset inside the
// current run; HeadVersion is the library version reported while paging, which
// becomes the new Version once the run drains.
type zoteroCursor struct {
	Version     int `json:"version"`
	Start       int `json:"start,omitempty"`
	HeadVersion int `json:"headVersion,omitempty"`
}

func parseZoteroCursor(cursor string) (zoteroCursor, error) {
	if cursor == "" {
		return zoteroCursor{}, nil
	}
	var c zoteroCursor
	if err := json.Unmarshal([]byte(cursor), &c); err != nil {
		return zoteroCursor{}, fmt.Errorf("malformed zotero cursor %q: %w", cursor, err)
	}
	return c, nil
}

func (c zoteroCursor) encode() string {
	data, _ := json.Marshal(c)
	return string(data)
}

// Refresh revalidates the API key against /keys/current. Zotero keys are not
// refresh-token based; a 403 means the key was revoked.
func (z *Zotero) Refresh(ctx context.Context, creds Credentials) (*Credentials, error) {
	if creds.APIKey == "" {
		return nil, &AuthError{Reason: "integration has no Zotero API key"}
	}

	body, _, err := z.get(ctx, creds, z.baseURL+"/keys/current")
	if err != nil {
		return nil, err
	}

	var keyInfo struct {
		Key    string `json:"key"`
		UserID int    `json:"userID"`
	}
	if err := json.Unmarshal(body, &keyInfo); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("unexpected /keys/current response: %w", err)}
	}
	if keyInfo.Key == "" {
		return nil, &AuthError{Reason: "Zotero did not recognize the API key"}
	}

	// Key is valid as-is; Zotero has no expiry to extend.
	return &creds, nil
}

// ListChanges pages through items modified since the cursor's library version.
// On the final page it also folds in remotely deleted item keys so the engine
// can record tombstones.
func (z *Zotero) ListChanges(ctx context.Context, creds Credentials, collection CollectionRef, cursor string, pageSize int) (*ChangePage, error) {
	c, err := parseZoteroCursor(cursor)
	if err != nil {
		// A corrupt cursor forces a full resync rather than a dead integration.
		c = zoteroCursor{}
	}

	libraryID, collectionKey := splitZoteroCollection(collection.ID)
	if libraryID == "" {
		return nil, &MappingError{RecordID: collection.ID, Err: fmt.Errorf("collectionId must be <libraryID> or <libraryID>/<collectionKey>")}
	}

	itemsURL := fmt.Sprintf("%s/users/%s/items", z.baseURL, libraryID)
	if collectionKey != "" {
		itemsURL = fmt.Sprintf("%s/users/%s/collections/%s/items", z.baseURL, libraryID, collectionKey)
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set("since", strconv.Itoa(c.Version))
	params.Set("limit", strconv.Itoa(pageSize))
	params.Set("start", strconv.Itoa(c.Start))

	body, header, err := z.get(ctx, creds, itemsURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("unexpected items response: %w", err)}
	}

	headVersion := c.HeadVersion
	if v, err := strconv.Atoi(header.Get("Last-Modified-Version")); err == nil {
		if c.Start == 0 {
			// First page of the run pins the library version being drained.
			headVersion = v
		} else if v != c.HeadVersion {
			// The library changed mid-pagination. Items at already-paged
			// offsets may have been edited and will never be fetched at
			// these offsets, so restart the page sequence at the same synced
			// version. Pages already reconciled re-skip on fingerprint.
			next := zoteroCursor{Version: c.Version}
			return &ChangePage{NextCursor: next.encode()}, nil
		}
	}
	totalResults, _ := strconv.Atoi(header.Get("Total-Results"))

	records := make([]RemoteRecord, 0, len(items))
	for _, item := range items {
		key, _ := item["key"].(string)
		version, _ := item["version"].(float64)
		records = append(records, RemoteRecord{
			ID:          key,
			Fingerprint: strconv.Itoa(int(version)),
			Raw:         item,
		})
	}

	nextStart := c.Start + len(items)
	if totalResults > 0 && nextStart < totalResults {
		next := zoteroCursor{Version: c.Version, Start: nextStart, HeadVersion: headVersion}
		return &ChangePage{Records: records, NextCursor: next.encode()}, nil
	}

	// Final page: fold in deletions, then advance the synced version.
	if c.Version > 0 {
		deleted, err := z.listDeleted(ctx, creds, libraryID, c.Version)
		if err != nil {
			return nil, err
		}
		records = append(records, deleted...)
	}

	next := zoteroCursor{Version: headVersion}
	return &ChangePage{Records: records, NextCursor: next.encode(), Done: true}, nil
}

func (z *Zotero) listDeleted(ctx context.Context, creds Credentials, libraryID string, since int) ([]RemoteRecord, error) {
	deletedURL := fmt.Sprintf("%s/users/%s/deleted?since=%d", z.baseURL, libraryID, since)
	body, _, err := z.get(ctx, creds, deletedURL)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("unexpected deleted response: %w", err)}
	}

	records := make([]RemoteRecord, 0, len(payload.Items))
	for _, key := range payload.Items {
		records = append(records, RemoteRecord{ID: key, Deleted: true})
	}
	return records, nil
}

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// Normalize maps a Zotero item's data block onto literature fields.
func (z *Zotero) Normalize(record RemoteRecord) (*Fields, error) {
	data, ok := record.Raw["data"].(map[string]interface{})
	if !ok {
		return nil, &MappingError{RecordID: record.ID, Err: fmt.Errorf("item has no data block")}
	}

	title, _ := data["title"].(string)
	if title == "" {
		return nil, &MappingError{RecordID: record.ID, Err: fmt.Errorf("item has no title")}
	}

	fields := &Fields{Title: title}

	if itemType, ok := data["itemType"].(string); ok && itemType != "" {
		fields.Type = &itemType
	}
	if doi, ok := data["DOI"].(string); ok && doi != "" {
		fields.DOI = &doi
	}
	if isbn, ok := data["ISBN"].(string); ok && isbn != "" {
		fields.ISBN = &isbn
	}
	if issn, ok := data["ISSN"].(string); ok && issn != "" {
		fields.ISSN = &issn
	}
	if abstract, ok := data["abstractNote"].(string); ok && abstract != "" {
		fields.Abstract = &abstract
	}

	if date, ok := data["date"].(string); ok {
		if m := yearPattern.FindString(date); m != "" {
			if year, err := strconv.Atoi(m); err == nil {
				fields.Year = &year
			}
		}
	}

	if creators, ok := data["creators"].([]interface{}); ok {
		if authors := joinCreators(creators); authors != "" {
			fields.Authors = &authors
		}
	}

	return fields, nil
}

// joinCreators flattens Zotero's creator objects into "First Last; First Last"
func joinCreators(creators []interface{}) string {
	names := make([]string, 0, len(creators))
	for _, c := range creators {
		creator, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		first, _ := creator["firstName"].(string)
		last, _ := creator["lastName"].(string)
		full, _ := creator["name"].(string)
		switch {
		case full != "":
			names = append(names, full)
		case first != "" && last != "":
			names = append(names, first+" "+last)
		case last != "":
			names = append(names, last)
		}
	}
	return strings.Join(names, "; ")
}

func splitZoteroCollection(id string) (libraryID, collectionKey string) {
	parts := strings.SplitN(id, "/", 2)
	libraryID = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		collectionKey = strings.TrimSpace(parts[1])
	}
	return libraryID, collectionKey
}

// get performs one authenticated GET, classifying failures into the taxonomy
func (z *Zotero) get(ctx context.Context, creds Credentials, rawURL string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Zotero-API-Version", "3")
	req.Header.Set("Zotero-API-Key", creds.APIKey)

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, classifyHTTPStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, resp.Header, nil
}
