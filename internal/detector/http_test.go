package detector

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newInferenceServer(t *testing.T, pred Prediction, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		img, err := png.Decode(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if img.Bounds().Dx() != 64 {
			http.Error(w, "unexpected size", http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "model not ready", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pred)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPModel_Predict(t *testing.T) {
	want := Prediction{
		Boxes:  [][4]float64{{1, 2, 30, 40}},
		Labels: []int{2},
		Scores: []float64{0.75},
	}
	srv := newInferenceServer(t, want, http.StatusOK)

	model := NewHTTPModel(srv.URL+"/predict", srv.Client())
	pred, err := model.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 64)))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(pred.Boxes) != 1 || pred.Boxes[0] != want.Boxes[0] || pred.Labels[0] != 2 || pred.Scores[0] != 0.75 {
		t.Errorf("prediction: got %+v, want %+v", pred, want)
	}
	if !strings.HasPrefix(model.Name(), "http:") {
		t.Errorf("Name: got %q", model.Name())
	}
}

func TestHTTPModel_PredictFailure(t *testing.T) {
	srv := newInferenceServer(t, Prediction{}, http.StatusServiceUnavailable)

	model := NewHTTPModel(srv.URL+"/predict", srv.Client())
	_, err := model.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 64)))
	if err == nil {
		t.Fatal("Predict should fail on non-200 status")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should mention the status: %v", err)
	}
}

func TestHTTPModel_CheckHealth(t *testing.T) {
	healthy := newInferenceServer(t, Prediction{}, http.StatusOK)
	if err := NewHTTPModel(healthy.URL+"/predict", healthy.Client()).CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth failed: %v", err)
	}

	sick := newInferenceServer(t, Prediction{}, http.StatusInternalServerError)
	if err := NewHTTPModel(sick.URL+"/predict", sick.Client()).CheckHealth(context.Background()); err == nil {
		t.Error("CheckHealth should fail for unhealthy service")
	}
}

func TestHostRoot(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:5000/predict", "http://localhost:5000"},
		{"https://models.example.org/v1/detect?x=1", "https://models.example.org"},
	}
	for _, tt := range tests {
		if got := hostRoot(tt.in); got != tt.want {
			t.Errorf("hostRoot(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
