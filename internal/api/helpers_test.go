package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cre-docs/backend/internal/resultstore"
	"github.com/cre-docs/backend/internal/session"
	"github.com/cre-docs/backend/internal/testutil"
	"github.com/cre-docs/backend/internal/upload"
)

type testAPI struct {
	e        *echo.Echo
	store    *testutil.MockStorage
	client   *testutil.MockClient
	sessions *session.Manager
	uploads  *upload.Manager
	history  *resultstore.Store
}

type testAPIOption func(*Dependencies)

func withoutFileDeletion() testAPIOption {
	return func(d *Dependencies) { d.AllowFileDeletion = false }
}

func newTestAPI(t *testing.T, opts ...testAPIOption) *testAPI {
	t.Helper()
	log := zaptest.NewLogger(t)

	history, err := resultstore.Open("", resultstore.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	client := testutil.NewMockClient()
	sessions := session.NewManager(client,
		session.WithLogger(log),
		session.WithSinkFactory(history.ForSession),
	)
	t.Cleanup(sessions.Close)

	store := testutil.NewMockStorage()
	uploads := upload.NewManager(t.TempDir(), store, log)

	deps := &Dependencies{
		Store:             store,
		Sessions:          sessions,
		Uploads:           uploads,
		History:           history,
		Version:           "test",
		AllowFileDeletion: true,
		Logger:            log,
	}
	for _, opt := range opts {
		opt(deps)
	}

	e := echo.New()
	SetupMiddleware(e, MiddlewareConfig{Development: true, Logger: log})
	RegisterRoutes(e, NewHandlers(deps))

	return &testAPI{
		e:        e,
		store:    store,
		client:   client,
		sessions: sessions,
		uploads:  uploads,
		history:  history,
	}
}

// do sends a request through the full echo stack.
func (a *testAPI) do(method, target string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

// upload posts a multipart form with one "file" part plus fields.
func (a *testAPI) upload(target, fileName string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	part, _ := writer.CreateFormFile("file", fileName)
	part.Write(data)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	return decode[APIError](t, rec)
}
