package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	books "google.golang.org/api/books/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/refhub/refsync-worker/internal/models"
)

// GoogleBooks syncs a user's "My Library" bookshelf through the Books API.
// The API has no changed-since filter, so every run rescans the shelf from a
// start-index cursor; unchanged volumes are cheap because their etag
// fingerprint makes the reconciler skip them. CollectionRef.ID is the numeric
// bookshelf id (e.g. "0" for Favorites).
type GoogleBooks struct {
	clientID     string
	clientSecret string
}

func NewGoogleBooks(clientID, clientSecret string) *GoogleBooks {
	return &GoogleBooks{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (g *GoogleBooks) Service() string {
	return models.ServiceGoogleBooks
}

type googleBooksCursor struct {
	StartIndex int `json:"startIndex"`
}

// Refresh exchanges the stored refresh token for a fresh access token
func (g *GoogleBooks) Refresh(ctx context.Context, creds Credentials) (*Credentials, error) {
	if creds.RefreshToken == "" {
		return nil, &AuthError{Reason: "integration has no refresh token"}
	}

	config := &oauth2.Config{
		ClientID:     g.clientID,
		ClientSecret: g.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: creds.RefreshToken,
	}

	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, &AuthError{Reason: "refresh token revoked", Err: err}
		}
		return nil, &TransientError{Err: fmt.Errorf("failed to refresh token: %w", err)}
	}

	refreshed := Credentials{
		APIKey:      creds.APIKey,
		APISecret:   creds.APISecret,
		AccessToken: newToken.AccessToken,
	}
	if !newToken.Expiry.IsZero() {
		expiry := newToken.Expiry
		refreshed.ExpiresAt = &expiry
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != creds.RefreshToken {
		refreshed.RefreshToken = newToken.RefreshToken
	} else {
		refreshed.RefreshToken = creds.RefreshToken
	}

	return &refreshed, nil
}

// ListChanges fetches one page of shelf volumes from the start-index cursor
func (g *GoogleBooks) ListChanges(ctx context.Context, creds Credentials, collection CollectionRef, cursor string, pageSize int) (*ChangePage, error) {
	var c googleBooksCursor
	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &c); err != nil {
			c = googleBooksCursor{}
		}
	}

	shelfID, err := strconv.ParseInt(strings.TrimSpace(collection.ID), 10, 64)
	if err != nil {
		return nil, &MappingError{RecordID: collection.ID, Err: fmt.Errorf("collectionId must be a numeric bookshelf id: %w", err)}
	}

	token := &oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
	}

	booksService, err := books.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to create Books service: %w", err)}
	}

	volumes, err := booksService.Mylibrary.Bookshelves.Volumes.List(strconv.FormatInt(shelfID, 10)).
		StartIndex(int64(c.StartIndex)).
		MaxResults(int64(pageSize)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}

	records := make([]RemoteRecord, 0, len(volumes.Items))
	for _, vol := range volumes.Items {
		raw := volumeToMap(vol)
		records = append(records, RemoteRecord{
			ID:          vol.Id,
			Fingerprint: vol.Etag,
			Raw:         raw,
		})
	}

	nextIndex := c.StartIndex + len(volumes.Items)
	done := len(volumes.Items) == 0 || int64(nextIndex) >= volumes.TotalItems
	next := googleBooksCursor{StartIndex: nextIndex}
	if done {
		// Next run rescans from the top; fingerprints keep it cheap.
		next.StartIndex = 0
	}

	data, _ := json.Marshal(next)
	return &ChangePage{Records: records, NextCursor: string(data), Done: done}, nil
}

// Normalize maps a volume's volumeInfo onto literature fields
func (g *GoogleBooks) Normalize(record RemoteRecord) (*Fields, error) {
	info, ok := record.Raw["volumeInfo"].(map[string]interface{})
	if !ok {
		return nil, &MappingError{RecordID: record.ID, Err: fmt.Errorf("volume has no volumeInfo")}
	}

	title, _ := info["title"].(string)
	if title == "" {
		return nil, &MappingError{RecordID: record.ID, Err: fmt.Errorf("volume has no title")}
	}

	bookType := "book"
	fields := &Fields{Title: title, Type: &bookType}

	if authors, ok := info["authors"].([]interface{}); ok {
		names := make([]string, 0, len(authors))
		for _, a := range authors {
			if name, ok := a.(string); ok && name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			joined := strings.Join(names, "; ")
			fields.Authors = &joined
		}
	}

	if published, ok := info["publishedDate"].(string); ok {
		if m := yearPattern.FindString(published); m != "" {
			if year, err := strconv.Atoi(m); err == nil {
				fields.Year = &year
			}
		}
	}

	if description, ok := info["description"].(string); ok && description != "" {
		fields.Abstract = &description
	}

	if identifiers, ok := info["industryIdentifiers"].([]interface{}); ok {
		for _, id := range identifiers {
			entry, ok := id.(map[string]interface{})
			if !ok {
				continue
			}
			idType, _ := entry["type"].(string)
			value, _ := entry["identifier"].(string)
			if value == "" {
				continue
			}
			if idType == "ISBN_13" || (idType == "ISBN_10" && fields.ISBN == nil) {
				v := value
				fields.ISBN = &v
			}
		}
	}

	return fields, nil
}

// volumeToMap keeps the raw payload in the shape the engine stores in
// syncMetadata, without dragging the typed API struct through the reconciler.
func volumeToMap(vol *books.Volume) map[string]interface{} {
	data, err := json.Marshal(vol)
	if err != nil {
		return map[string]interface{}{"id": vol.Id, "etag": vol.Etag}
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]interface{}{"id": vol.Id, "etag": vol.Etag}
	}
	return raw
}

var invalidGrantPattern = regexp.MustCompile(`invalid_grant|unauthorized_client`)

func isInvalidGrant(err error) bool {
	return invalidGrantPattern.MatchString(err.Error())
}

func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.Code, apiErr.Message)
	}
	return &TransientError{Err: err}
}
