package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 25.5, 100}, ParseBucketsCSV(" 5, 25.5 ,,abc,-1,0,100"))
	require.Nil(t, ParseBucketsCSV(""))
}

func TestRequestLoggerLevels(t *testing.T) {
	cases := []struct {
		path   string
		status int
		level  string
	}{
		{"/api/v1/payments/vnpay", http.StatusOK, "info"},
		{"/api/v1/payments/vnpay", http.StatusBadRequest, "warn"},
		{"/api/v1/payments/vnpay/ipn", http.StatusBadGateway, "error"},
		{"/health/live", http.StatusOK, "debug"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
		h := RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line), tc.path)
		require.Equal(t, tc.level, line["level"], tc.path)
		require.EqualValues(t, tc.status, line["status"])
		require.Equal(t, tc.path, line["route"])
	}
}
