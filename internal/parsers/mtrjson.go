package parsers

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// mtrJSONParser handles the JSON output of mtr. Two shapes are in
// circulation: the classic one, where hops live under report.hubs and
// the keys are capitalized column names, and a flat one with a
// top-level hops list and lowercase keys.
type mtrJSONParser struct{}

func (mtrJSONParser) Name() string { return "mtr_json" }

type mtrJSONKeys struct {
	hop  string
	host string
	loss string
	avg  string
	min  string
	max  string
}

func (mtrJSONParser) Parse(raw string) (Hops, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil, fmt.Errorf("not a valid JSON")
	}

	var entries []map[string]any
	var keys mtrJSONKeys

	if report, ok := top["report"]; ok {
		var rep map[string]json.RawMessage
		if err := json.Unmarshal(report, &rep); err != nil {
			return nil, fmt.Errorf("can't decode report: %w", err)
		}

		hubs, ok := rep["hubs"]
		if !ok {
			return nil, fmt.Errorf("report.hubs was expected, but was not found")
		}
		if err := json.Unmarshal(hubs, &entries); err != nil {
			return nil, fmt.Errorf("can't decode report.hubs: %w", err)
		}

		keys = mtrJSONKeys{
			hop:  "count",
			host: "host",
			loss: "Loss%",
			avg:  "Avg",
			min:  "Best",
			max:  "Wrst",
		}
	} else if hopList, ok := top["hops"]; ok {
		if err := json.Unmarshal(hopList, &entries); err != nil {
			return nil, fmt.Errorf("can't decode hops: %w", err)
		}

		keys = mtrJSONKeys{
			hop:  "hop",
			host: "ipaddr",
			loss: "losspercent",
			avg:  "avg",
			min:  "best",
			max:  "worst",
		}
	} else {
		return nil, fmt.Errorf("couldn't find hops/hubs")
	}

	hops := make(Hops)

	for _, entry := range entries {
		hopN, err := jsonInt(entry, keys.hop)
		if err != nil {
			return nil, err
		}

		if _, ok := hops[hopN]; !ok {
			hops[hopN] = []HopHost{}
		}

		rawHost, ok := entry[keys.host]
		if !ok {
			return nil, fmt.Errorf("missing %q", keys.host)
		}
		host, ok := rawHost.(string)
		if !ok {
			return nil, fmt.Errorf("%q is not a string", keys.host)
		}

		if host == "???" {
			continue
		}

		loss, err := jsonFloat(entry, keys.loss)
		if err != nil {
			return nil, err
		}
		avg, err := jsonFloat(entry, keys.avg)
		if err != nil {
			return nil, err
		}
		minRTT, err := jsonFloat(entry, keys.min)
		if err != nil {
			return nil, err
		}
		maxRTT, err := jsonFloat(entry, keys.max)
		if err != nil {
			return nil, err
		}

		hops[hopN] = append(hops[hopN], HopHost{
			Host:   host,
			Loss:   &loss,
			AvgRTT: &avg,
			MinRTT: &minRTT,
			MaxRTT: &maxRTT,
		})
	}

	if len(hops) == 0 {
		return nil, errNoHops
	}
	if err := hops.checkContiguous(); err != nil {
		return nil, err
	}

	return hops, nil
}

func jsonFloat(entry map[string]any, key string) (float64, error) {
	v, ok := entry[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}

	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("can't convert %q to float", key)
}

func jsonInt(entry map[string]any, key string) (int, error) {
	v, ok := entry[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}

	switch x := v.(type) {
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(x)
	}
	return 0, fmt.Errorf("can't convert %q to int", key)
}
