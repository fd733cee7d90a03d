package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	locationdomain "github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/smallbiznis/fieldtrack/pkg/db/pagination"
)

const (
	HeaderAggregateAsOf = "X-Aggregate-As-Of"

	messageLocationUpdated   = "Location updated successfully"
	messageLocationRetrieved = "Location retrieved successfully"
)

// updateLocationRequest has no observedAt: HTTP reports are stamped with
// server time.
type updateLocationRequest struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Accuracy     *float64 `json:"accuracy"`
	BatteryLevel *int     `json:"batteryLevel"`
}

type locationResponse struct {
	RecordID   string    `json:"recordId"`
	EntityID   string    `json:"entityId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observedAt"`
	Message    string    `json:"message"`
}

type historyItem struct {
	RecordID     string    `json:"recordId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel *int      `json:"batteryLevel"`
	ObservedAt   time.Time `json:"observedAt"`
	RecordedAt   time.Time `json:"recordedAt"`
}

type historyResponse struct {
	Data     []historyItem       `json:"data"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

func newLocationResponse(record *locationdomain.PositionRecord, message string) locationResponse {
	return locationResponse{
		RecordID:   record.ID.String(),
		EntityID:   record.EntityID,
		Latitude:   record.Latitude,
		Longitude:  record.Longitude,
		ObservedAt: record.ObservedAt.UTC(),
		Message:    message,
	}
}

func (s *Server) UpdateMyLocation(c *gin.Context) {
	entityID, _ := entityFromContext(c)

	var req updateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.locationSvc.Ingest(c.Request.Context(), locationdomain.IngestRequest{
		EntityID:     entityID,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Accuracy:     req.Accuracy,
		BatteryLevel: req.BatteryLevel,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newLocationResponse(record, messageLocationUpdated))
}

func (s *Server) GetMyLocation(c *gin.Context) {
	entityID, _ := entityFromContext(c)
	s.respondLatest(c, entityID)
}

func (s *Server) GetEntityLocation(c *gin.Context) {
	s.respondLatest(c, strings.TrimSpace(c.Param("entityId")))
}

func (s *Server) respondLatest(c *gin.Context, entityID string) {
	record, err := s.locationSvc.GetLatest(c.Request.Context(), entityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLocationResponse(record, messageLocationRetrieved))
}

func (s *Server) ListMyLocations(c *gin.Context) {
	entityID, _ := entityFromContext(c)

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "from must be RFC3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "to must be RFC3339 or YYYY-MM-DD"))
		return
	}
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil || pageSize < 0 {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be a positive integer"))
		return
	}

	res, err := s.locationSvc.ListHistory(c.Request.Context(), locationdomain.HistoryRequest{
		EntityID:  entityID,
		From:      from,
		To:        to,
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]historyItem, 0, len(res.Records))
	for _, r := range res.Records {
		items = append(items, historyItem{
			RecordID:     r.ID.String(),
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			Accuracy:     r.Accuracy,
			BatteryLevel: r.BatteryLevel,
			ObservedAt:   r.ObservedAt.UTC(),
			RecordedAt:   r.RecordedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, historyResponse{Data: items, PageInfo: res.PageInfo})
}

func (s *Server) ListEntityLocations(c *gin.Context) {
	agg, err := s.locationSvc.ListActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries := agg.Entries
	if entries == nil {
		entries = []locationdomain.AggregateEntry{}
	}
	c.Header(HeaderAggregateAsOf, agg.AsOf.UTC().Format(time.RFC3339Nano))
	c.JSON(http.StatusOK, entries)
}

func (s *Server) ListNearbyEntities(c *gin.Context) {
	lat, err := parseOptionalFloat(c.Query("lat"))
	if err != nil {
		AbortWithError(c, locationdomain.ErrInvalidLatitude)
		return
	}
	lng, err := parseOptionalFloat(c.Query("lng"))
	if err != nil {
		AbortWithError(c, locationdomain.ErrInvalidLongitude)
		return
	}
	radius, err := parseOptionalFloat(c.Query("radius_km"))
	if err != nil {
		AbortWithError(c, locationdomain.ErrInvalidRadius)
		return
	}

	entries, err := s.locationSvc.ListNearby(c.Request.Context(), locationdomain.NearbyRequest{
		Latitude:  lat,
		Longitude: lng,
		RadiusKm:  radius,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
