package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"dartachalani/internal/audit"
	"dartachalani/internal/darta/service"
	"dartachalani/internal/darta/store"
	"dartachalani/internal/idempotency"
	numberservice "dartachalani/internal/numbering/service"
	numberstore "dartachalani/internal/numbering/store"
	platformjwt "dartachalani/internal/platform/jwt"
	"dartachalani/pkg/testutil"
)

type DartaHandlerSuite struct {
	suite.Suite
	router chi.Router
	token  string
	keyN   int
}

func TestDartaHandlerSuite(t *testing.T) {
	suite.Run(t, new(DartaHandlerSuite))
}

func (s *DartaHandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditStore := audit.NewInMemory()
	idemStore := idempotency.NewInMemory()

	allocator, err := numberservice.New(numberstore.NewInMemory(), numberservice.WithLogger(logger))
	s.Require().NoError(err)

	svc, err := service.New(store.NewInMemory(auditStore, idemStore), allocator, idemStore, auditStore,
		service.WithLogger(logger),
		service.WithFiscalYear("2081-82"),
	)
	s.Require().NoError(err)

	jwtService := platformjwt.NewService("test-signing-key", "dartachalani", "dartachalani-api")
	token, err := jwtService.GenerateToken("registrar-1", []string{"registrar"}, time.Hour)
	s.Require().NoError(err)
	s.token = token

	s.router = chi.NewRouter()
	New(svc, logger, nil, jwtService).Register(s.router)
	s.keyN = 0
}

func (s *DartaHandlerSuite) key() string {
	s.keyN++
	return fmt.Sprintf("darta-handler-key-%d", s.keyN)
}

func (s *DartaHandlerSuite) request(method, path string, body any) *http.Request {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req
}

func (s *DartaHandlerSuite) createBody() map[string]any {
	return map[string]any{
		"scope":   "MUNICIPALITY",
		"subject": "Application for business registration",
		"applicant": map[string]any{
			"fullName": "Sita Sharma",
		},
		"intakeChannel":     "COUNTER",
		"primaryDocumentId": "doc-1",
		"receivedDate":      time.Now().Format(time.RFC3339),
		"idempotencyKey":    s.key(),
	}
}

func (s *DartaHandlerSuite) create() string {
	rr := testutil.DoRequest(s.router, s.request(http.MethodPost, "/darta", s.createBody()))
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
	id, _ := (*body)["id"].(string)
	s.Require().NotEmpty(id)
	return id
}

func (s *DartaHandlerSuite) post(id, action string, body map[string]any) *map[string]any {
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["idempotencyKey"]; !ok {
		body["idempotencyKey"] = s.key()
	}
	rr := testutil.DoRequest(s.router, s.request(http.MethodPost, "/darta/"+id+"/"+action, body))
	testutil.AssertStatusOK(s.T(), rr)
	return testutil.UnmarshalResponse[map[string]any](s.T(), rr)
}

func (s *DartaHandlerSuite) TestRequiresBearerToken() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/darta"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
}

func (s *DartaHandlerSuite) TestCreate() {
	id := s.create()

	rr := testutil.DoRequest(s.router, s.request(http.MethodGet, "/darta/"+id, nil))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "status", "DRAFT")
	testutil.AssertJSONContains(s.T(), rr, "priority", "MEDIUM")
	testutil.AssertJSONContains(s.T(), rr, "createdBy", "registrar-1")
}

func (s *DartaHandlerSuite) TestCreateValidationError() {
	body := s.createBody()
	body["intakeChannel"] = "FAX"
	rr := testutil.DoRequest(s.router, s.request(http.MethodPost, "/darta", body))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *DartaHandlerSuite) TestRegistrationFlow() {
	id := s.create()

	body := s.post(id, "submit-review", nil)
	require.Equal(s.T(), "PENDING_REVIEW", (*body)["status"])

	body = s.post(id, "classify", map[string]any{"classificationCode": "GEN-07"})
	require.Equal(s.T(), "CLASSIFICATION", (*body)["status"])

	body = s.post(id, "reserve-number", nil)
	require.Equal(s.T(), "NUMBER_RESERVED", (*body)["status"])
	require.Equal(s.T(), "DARTA-MUN/2081-82/1", (*body)["formattedNumber"])

	body = s.post(id, "finalize-registration", nil)
	require.Equal(s.T(), "REGISTERED", (*body)["status"])

	body = s.post(id, "route", map[string]any{
		"organizationalUnitId": "revenue-section",
		"assigneeId":           "officer-3",
		"slaHours":             48,
	})
	require.Equal(s.T(), "ASSIGNED", (*body)["status"])
	routing, _ := (*body)["routing"].(map[string]any)
	s.Require().NotNil(routing)
	require.Equal(s.T(), "revenue-section", routing["organizationalUnitId"])
	require.NotEmpty(s.T(), routing["slaDeadline"])
}

func (s *DartaHandlerSuite) TestBadTransitionIsUnprocessable() {
	id := s.create()
	rr := testutil.DoRequest(s.router, s.request(http.MethodPost, "/darta/"+id+"/scan", map[string]any{
		"scannedDocumentId": "scan-1",
		"idempotencyKey":    s.key(),
	}))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "bad_transition")
}

func (s *DartaHandlerSuite) TestVoidRequiresReason() {
	id := s.create()
	rr := testutil.DoRequest(s.router, s.request(http.MethodPost, "/darta/"+id+"/void", map[string]any{
		"idempotencyKey": s.key(),
	}))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")

	body := s.post(id, "void", map[string]any{"reason": "duplicate intake"})
	require.Equal(s.T(), "VOIDED", (*body)["status"])
}

func (s *DartaHandlerSuite) TestStats() {
	s.create()
	s.create()

	rr := testutil.DoRequest(s.router, s.request(http.MethodGet, "/darta/stats", nil))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "total", float64(2))
}
