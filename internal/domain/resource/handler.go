package resource

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/platform/middleware"
	"github.com/ehr/fhirsearch/pkg/pagination"
)

const fhirJSON = "application/fhir+json"

type Handler struct {
	svc     *Service
	baseURL string
	logger  zerolog.Logger
}

// NewHandler serves svc. baseURL prefixes the fullUrl of bundle entries.
func NewHandler(svc *Service, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/_history", h.HistoryAll)

	fhirGroup.GET("/:type", h.Search)
	fhirGroup.POST("/:type/_search", h.Search)
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.GET("/:type/_history", h.HistoryType)

	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.DELETE("/:type/:id", h.Delete)
	fhirGroup.GET("/:type/:id/_history", h.HistoryInstance)
	fhirGroup.GET("/:type/:id/_history/:vid", h.VRead)
}

// errorResponse maps service errors onto OperationOutcome responses.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	typ, id := c.Param("type"), c.Param("id")
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, fhir.ErrInvalidQuery):
		return c.JSON(http.StatusBadRequest, fhir.InvalidQueryOutcome(err))
	case errors.Is(err, fhir.ErrSchemaViolation):
		return c.JSON(http.StatusBadRequest, fhir.SchemaViolationOutcome(err))
	case errors.Is(err, ErrGone):
		return c.JSON(http.StatusGone, fhir.GoneOutcome(typ, id))
	case errors.Is(err, ErrNotFound):
		if id == "" {
			return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
		}
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(typ, id))
	case errors.Is(err, ErrVersionConflict):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	}

	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}

func owner(c echo.Context) string {
	return middleware.OwnerFromContext(c.Request().Context())
}

func decodeDocument(c echo.Context) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, &fhir.SchemaViolationError{ResourceType: c.Param("type"), Issues: []string{"body is not a JSON object: " + err.Error()}}
	}
	if doc == nil {
		return nil, &fhir.SchemaViolationError{ResourceType: c.Param("type"), Issues: []string{"body is not a JSON object"}}
	}
	return doc, nil
}

func (h *Handler) writeVersion(c echo.Context, status int, v *Version) error {
	fhir.SetVersionHeaders(c, v.Version, v.UpdateTime)
	return c.Blob(status, fhirJSON, v.Data)
}

func (h *Handler) Create(c echo.Context) error {
	doc, err := decodeDocument(c)
	if err != nil {
		return h.errorResponse(c, err)
	}
	v, err := h.svc.Create(c.Request().Context(), owner(c), c.Param("type"), doc)
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set("Location", h.versionURL(v))
	return h.writeVersion(c, http.StatusCreated, v)
}

func (h *Handler) Read(c echo.Context) error {
	v, err := h.svc.Read(c.Request().Context(), owner(c), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return h.writeVersion(c, http.StatusOK, v)
}

func (h *Handler) VRead(c echo.Context) error {
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return h.errorResponse(c, ErrNotFound)
	}
	v, err := h.svc.VRead(c.Request().Context(), owner(c), c.Param("type"), c.Param("id"), vid)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return h.writeVersion(c, http.StatusOK, v)
}

func (h *Handler) Update(c echo.Context) error {
	expected, _, err := fhir.IfMatchVersion(c)
	if err != nil {
		return err
	}
	doc, err := decodeDocument(c)
	if err != nil {
		return h.errorResponse(c, err)
	}
	v, err := h.svc.Update(c.Request().Context(), owner(c), c.Param("type"), c.Param("id"), doc, expected)
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set("Content-Location", h.versionURL(v))
	return h.writeVersion(c, http.StatusOK, v)
}

func (h *Handler) Delete(c echo.Context) error {
	if _, err := h.svc.Delete(c.Request().Context(), owner(c), c.Param("type"), c.Param("id")); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// searchParams merges the query string with a form-encoded _search body.
func searchParams(c echo.Context) (url.Values, error) {
	if c.Request().Method != http.MethodPost {
		return c.QueryParams(), nil
	}
	form, err := c.FormParams()
	if err != nil {
		return nil, &fhir.InvalidQueryError{Reason: "malformed form body: " + err.Error()}
	}
	return form, nil
}

func (h *Handler) Search(c echo.Context) error {
	params, err := searchParams(c)
	if err != nil {
		return h.errorResponse(c, err)
	}
	pg := pagination.FromValues(params)
	typ := c.Param("type")

	items, total, err := h.svc.Search(c.Request().Context(), owner(c), typ, params, pg.Limit, pg.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}

	entries := make([]fhir.BundleEntry, len(items))
	for i, v := range items {
		entries[i] = fhir.BundleEntry{FullURL: h.resourceURL(v), Resource: v.Data}
	}
	bundle := fhir.NewSearchBundle(entries, total, c.Request().URL.RequestURI())
	bundle.Link = bundleLinks(pg.FHIRLinks(h.baseURL+"/"+typ, params, total))
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) HistoryAll(c echo.Context) error {
	return h.history(c, HistoryFilter{})
}

func (h *Handler) HistoryType(c echo.Context) error {
	return h.history(c, HistoryFilter{ResourceType: c.Param("type")})
}

func (h *Handler) HistoryInstance(c echo.Context) error {
	return h.history(c, HistoryFilter{ResourceType: c.Param("type"), ResourceID: c.Param("id")})
}

func (h *Handler) history(c echo.Context, f HistoryFilter) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), owner(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}

	entries := make([]fhir.BundleEntry, len(items))
	for i, v := range items {
		method := http.MethodPut
		if v.Version == 1 {
			method = http.MethodPost
		}
		entries[i] = fhir.BundleEntry{
			FullURL:  h.resourceURL(v),
			Resource: v.Data,
			Request:  &fhir.BundleRequest{Method: method, URL: v.Reference()},
		}
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(entries, total, c.Request().URL.RequestURI()))
}

func (h *Handler) resourceURL(v *Version) string {
	return h.baseURL + "/" + v.Reference()
}

func (h *Handler) versionURL(v *Version) string {
	return h.resourceURL(v) + "/_history/" + strconv.Itoa(v.Version)
}

func bundleLinks(links []pagination.FHIRLink) []fhir.BundleLink {
	out := make([]fhir.BundleLink, len(links))
	for i, l := range links {
		out[i] = fhir.BundleLink{Relation: l.Relation, URL: l.URL}
	}
	return out
}
