package detector

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Verdict details
const (
	DetailsOK                = "OK"
	DetailsPrometheusError   = "Prometheus error"
	DetailsNoData            = "No data"
	DetailsInvalidComparator = "Invalid comparison operator"

	detailsQueryErrorPrefix = "Query error: "
	detailsParseErrorPrefix = "Parse error: "
)

const (
	statusSuccess    = "success"
	resultTypeScalar = "scalar"
)

// queryResponse is the envelope of /api/v1/query
type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
}

type vectorSample struct {
	Value json.RawMessage `json:"value"`
}

// extractValue returns the first sample value of a query response. When ok
// is false, details describes why no value could be read.
func extractValue(body []byte) (value float64, details string, ok bool) {
	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, detailsParseErrorPrefix + err.Error(), false
	}
	if resp.Status != statusSuccess {
		return 0, DetailsPrometheusError, false
	}

	pair := resp.Data.Result
	if resp.Data.ResultType != resultTypeScalar {
		var samples []vectorSample
		if err := json.Unmarshal(resp.Data.Result, &samples); err != nil || len(samples) == 0 {
			return 0, DetailsNoData, false
		}
		pair = samples[0].Value
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(pair, &elems); err != nil || len(elems) != 2 {
		return 0, DetailsNoData, false
	}

	// [<unix seconds>, "<value>"]
	var raw string
	if err := json.Unmarshal(elems[1], &raw); err != nil {
		return 0, detailsParseErrorPrefix + fmt.Sprintf("sample value %s is not a string", elems[1]), false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, detailsParseErrorPrefix + err.Error(), false
	}
	return v, "", true
}
