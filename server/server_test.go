package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"arcade/config"
	"arcade/models"
	"arcade/orchestration"
	"arcade/registry"
	"arcade/reinforcement"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"
)

func newTestServer() (*httptest.Server, *orchestration.Controller) {
	cfg := config.Default()
	cfg.Games = []config.GameConfig{
		{ID: "pong", Seed: 5, MaxEpisodes: 1000},
		{ID: "tango", Seed: 6, HyperParams: []config.HyperParameter{{Key: "gridSize", Val: 4}}},
	}
	store := reinforcement.NewFileStore(afero.NewMemMapFs(), "models")
	reg := registry.New(cfg, store, zerolog.Nop())
	controller := orchestration.NewController(
		reg,
		orchestration.NewBroadcaster(zerolog.Nop()),
		orchestration.Timing{Training: time.Millisecond, Inference: time.Millisecond},
		zerolog.Nop())
	server := NewServer(":0", controller, zerolog.Nop())
	return httptest.NewServer(server.Handler()), controller
}

func post(ts *httptest.Server, path string) (int, map[string]any) {
	resp, err := http.Post(ts.URL+path, "application/json", nil)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	body := map[string]any{}
	So(json.NewDecoder(resp.Body).Decode(&body), ShouldBeNil)
	return resp.StatusCode, body
}

func get(ts *httptest.Server, path string) (int, map[string]any) {
	resp, err := http.Get(ts.URL + path)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	body := map[string]any{}
	So(json.NewDecoder(resp.Body).Decode(&body), ShouldBeNil)
	return resp.StatusCode, body
}

func dial(ts *httptest.Server, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	So(err, ShouldBeNil)
	So(conn.SetReadDeadline(time.Now().Add(5*time.Second)), ShouldBeNil)
	return conn
}

func readJSON(conn *websocket.Conn) map[string]any {
	msg := map[string]any{}
	So(conn.ReadJSON(&msg), ShouldBeNil)
	return msg
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestControlSurface(t *testing.T) {
	Convey("Given a running server", t, func() {
		ts, controller := newTestServer()
		defer controller.Close()
		defer ts.Close()

		Convey("Health is reported", func() {
			code, body := get(ts, "/healthz")
			So(code, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "ok")
		})

		Convey("Preflight requests are answered with permissive CORS headers", func() {
			req, err := http.NewRequest(http.MethodOptions, ts.URL+"/training/start", nil)
			So(err, ShouldBeNil)
			resp, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)
			So(resp.Header.Get("Access-Control-Allow-Origin"), ShouldEqual, "*")
		})

		Convey("Status defaults to snake and starts idle", func() {
			code, body := get(ts, "/training/status")
			So(code, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "idle")
			So(body["current_episode"], ShouldEqual, 0.0)
			So(controller.Registry().Games(), ShouldResemble, []models.GameID{models.Snake})
		})

		Convey("Commands on an idle game report not-running", func() {
			for _, path := range []string{"/training/pause", "/training/stop", "/inference/pause"} {
				code, body := post(ts, path+"?game=pong")
				So(code, ShouldEqual, http.StatusOK)
				So(body["status"], ShouldEqual, orchestration.StatusNotRunning)
			}
		})

		Convey("Commands require POST", func() {
			resp, err := http.Get(ts.URL + "/training/start")
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("Training can be started, paused, resumed, stopped and saved", func() {
			_, body := post(ts, "/training/start?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusStarted)
			_, body = post(ts, "/training/start?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusAlreadyRunning)

			_, body = post(ts, "/training/pause?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusPaused)
			_, body = get(ts, "/training/status?game=pong")
			So(body["status"], ShouldEqual, "paused")
			_, body = post(ts, "/training/pause?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusResumed)

			_, body = post(ts, "/training/stop?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusStopped)
			_, body = get(ts, "/training/status?game=pong")
			So(body["status"], ShouldEqual, "idle")

			code, body := post(ts, "/training/save?game=pong")
			So(code, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, orchestration.StatusSaved)
		})
	})
}

func TestTrainingFeed(t *testing.T) {
	Convey("Given a training feed client for pong", t, func() {
		ts, controller := newTestServer()
		defer controller.Close()
		defer ts.Close()

		conn := dial(ts, "/ws/training?game=pong")
		defer conn.Close()

		Convey("The game config arrives first, then progress once training starts", func() {
			msg := readJSON(conn)
			So(msg["type"], ShouldEqual, "config")
			data, ok := msg["data"].(map[string]any)
			So(ok, ShouldBeTrue)
			So(data["width"], ShouldEqual, 400.0)

			So(eventually(func() bool {
				return controller.Broadcaster().Count(models.Pong) == 1
			}), ShouldBeTrue)
			_, body := post(ts, "/training/start?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusStarted)

			progress := readJSON(conn)
			So(progress["sequence_number"], ShouldBeGreaterThanOrEqualTo, 1.0)
			state, ok := progress["state"].([]any)
			So(ok, ShouldBeTrue)
			So(len(state), ShouldEqual, 6)
			So(progress, ShouldContainKey, "average_reward")

			_, body = post(ts, "/training/stop?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusStopped)
		})

		Convey("Disconnecting unsubscribes the client", func() {
			readJSON(conn)
			So(eventually(func() bool {
				return controller.Broadcaster().Count(models.Pong) == 1
			}), ShouldBeTrue)
			closeConn(conn)
			So(eventually(func() bool {
				return controller.Broadcaster().Count(models.Pong) == 0
			}), ShouldBeTrue)
		})
	})
}

func TestInferenceFeed(t *testing.T) {
	Convey("Given a server", t, func() {
		ts, controller := newTestServer()
		defer controller.Close()
		defer ts.Close()

		Convey("An inference client receives numbered frames until it disconnects", func() {
			conn := dial(ts, "/ws?game=tango")
			defer conn.Close()

			first := readJSON(conn)
			second := readJSON(conn)
			So(first["sequence_number"], ShouldEqual, 1.0)
			So(second["sequence_number"], ShouldEqual, 2.0)
			grid, ok := first["state"].([]any)
			So(ok, ShouldBeTrue)
			So(len(grid), ShouldEqual, 4)

			_, body := get(ts, "/training/status?game=tango")
			So(body["status"], ShouldEqual, "inferencing")
			_, body = post(ts, "/training/start?game=tango")
			So(body["status"], ShouldEqual, orchestration.StatusRejectedInferenceActive)

			closeConn(conn)
			So(eventually(func() bool {
				_, body := get(ts, "/training/status?game=tango")
				return body["status"] == "idle"
			}), ShouldBeTrue)
		})

		Convey("An inference client is closed while the game trains", func() {
			_, body := post(ts, "/training/start?game=pong")
			So(body["status"], ShouldEqual, orchestration.StatusStarted)

			conn := dial(ts, "/ws?game=pong")
			defer conn.Close()
			_, _, err := conn.ReadMessage()
			So(websocket.IsCloseError(err, websocket.CloseNormalClosure), ShouldBeTrue)

			_, body = get(ts, "/training/status?game=pong")
			So(body["status"], ShouldEqual, "training")
		})
	})
}
