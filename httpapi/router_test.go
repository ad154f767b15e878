package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"mobcoordinator/config"
	"mobcoordinator/coordinator"
	"mobcoordinator/logging"
	"mobcoordinator/logsink"
	"mobcoordinator/store"
)

func newTestServer(t *testing.T, adminToken string) (*Server, context.CancelFunc) {
	cfg := &config.Config{
		Momentum: 0.25, PriorA: 2, PriorB: 2, IQRK: 2.5, MaxActions: 64,
		SoftmaxTemp: 0.85, WeightBlend: 0.35, WeightLearningRate: 0.08,
		MinModels: 3,
	}
	a, err := coordinator.New(cfg, store.NewMemoryStore(), logsink.NewMemorySink(), nil, logging.New("error"))
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	stream := NewStream(a.Status)
	return NewServer(a, stream, adminToken), cancel
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	Convey("Given a running server", t, func() {
		server, cancel := newTestServer(t, "")
		defer cancel()

		Convey("Then /healthz reports ok", func() {
			rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
		})
	})
}

func TestUploadThenDuplicateReturns409(t *testing.T) {
	Convey("Given a running server", t, func() {
		server, cancel := newTestServer(t, "")
		defer cancel()

		upload := map[string]interface{}{
			"serverId": "A",
			"mobType":  "zombie",
			"tactics": map[string]interface{}{
				"flank": map[string]interface{}{"count": 10, "avgReward": 1.5, "successCount": 6, "failureCount": 4},
			},
		}

		Convey("When the same server uploads twice in one round", func() {
			first := doJSON(t, server, http.MethodPost, "/coordinator/upload", upload)
			So(first.Code, ShouldEqual, http.StatusOK)

			second := doJSON(t, server, http.MethodPost, "/coordinator/upload", upload)

			Convey("Then the second is rejected with 409 and a nextRound hint", func() {
				So(second.Code, ShouldEqual, http.StatusConflict)
				var body map[string]interface{}
				So(json.Unmarshal(second.Body.Bytes(), &body), ShouldBeNil)
				So(body["nextRound"], ShouldNotBeNil)
			})
		})
	})
}

func TestAdminEndpointWithoutTokenIs503(t *testing.T) {
	Convey("Given a server with no admin token configured", t, func() {
		server, cancel := newTestServer(t, "")
		defer cancel()

		Convey("Then admin/reset-round responds 503", func() {
			rec := doJSON(t, server, http.MethodPost, "/coordinator/admin/reset-round", map[string]int{"startRound": 1})
			So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestAdminEndpointWithWrongTokenIs401(t *testing.T) {
	Convey("Given a server with an admin token configured", t, func() {
		server, cancel := newTestServer(t, "secret")
		defer cancel()

		Convey("When a request carries the wrong bearer token", func() {
			req := httptest.NewRequest(http.MethodPost, "/coordinator/admin/reset-round", bytes.NewReader([]byte(`{"startRound":1}`)))
			req.Header.Set("Authorization", "Bearer wrong")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Convey("Then it is rejected with 401", func() {
				So(rec.Code, ShouldEqual, http.StatusUnauthorized)
			})
		})

		Convey("When a request carries the correct bearer token", func() {
			req := httptest.NewRequest(http.MethodPost, "/coordinator/admin/reset-round", bytes.NewReader([]byte(`{"startRound":5}`)))
			req.Header.Set("Authorization", "Bearer secret")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Convey("Then it succeeds", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
			})
		})
	})
}

func TestGlobalBeforeAnyAggregationIs404(t *testing.T) {
	Convey("Given a freshly started server", t, func() {
		server, cancel := newTestServer(t, "")
		defer cancel()

		Convey("Then /coordinator/global responds 404", func() {
			rec := doJSON(t, server, http.MethodGet, "/coordinator/global", nil)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
