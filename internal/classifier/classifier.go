// Package classifier evaluates the pre-trained URL risk model.
//
// The model artifact is an XGBoost JSON dump (Booster.save_model with a .json
// extension) of a binary:logistic gradient-boosted tree ensemble. It is parsed
// once into an immutable in-memory structure that is safe for concurrent use.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/linkguard/linkguard/internal/features"
)

// Score is the classifier output for a single URL.
type Score struct {
	Malicious float64 `json:"malicious_probability"`
	Benign    float64 `json:"not_malicious_probability"`
}

// Scorer turns a feature vector into a Score.
type Scorer interface {
	Score(v features.Vector) (Score, error)
}

// ModelError reports a model that could not be loaded or evaluated.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Op, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func loadErr(format string, args ...any) error {
	return &ModelError{Op: "load", Err: fmt.Errorf(format, args...)}
}

const supportedMajor = 2

type tree struct {
	left         []int
	right        []int
	splitIndex   []int
	splitValue   []float64
	defaultLeft  []bool
	maxFeatureID int
}

// Model is a parsed tree ensemble.
type Model struct {
	trees      []tree
	baseMargin float64
	version    string
}

var _ Scorer = (*Model)(nil)

// Load reads and validates the model at path.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ModelError{Op: "load", Err: err}
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads and validates a model from r.
func Parse(r io.Reader) (*Model, error) {
	var doc modelDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, loadErr("decode: %w", err)
	}

	if len(doc.Version) == 0 {
		return nil, loadErr("missing version")
	}
	if doc.Version[0] < 1 || doc.Version[0] > supportedMajor {
		return nil, loadErr("unsupported model version %d", doc.Version[0])
	}

	l := doc.Learner
	if l.Objective.Name != "binary:logistic" {
		return nil, loadErr("unsupported objective %q", l.Objective.Name)
	}
	if err := checkFeatureNames(l.FeatureNames); err != nil {
		return nil, err
	}
	if n, err := strconv.Atoi(strings.TrimSpace(l.ModelParam.NumFeature)); err != nil || n != features.Len {
		return nil, loadErr("num_feature %q, want %d", l.ModelParam.NumFeature, features.Len)
	}

	base, err := parseBaseScore(l.ModelParam.BaseScore)
	if err != nil {
		return nil, err
	}
	if base <= 0 || base >= 1 {
		return nil, loadErr("base_score %v out of (0,1)", base)
	}

	if l.Booster.Name != "gbtree" {
		return nil, loadErr("unsupported booster %q", l.Booster.Name)
	}
	if len(l.Booster.Model.Trees) == 0 {
		return nil, loadErr("model has no trees")
	}

	m := &Model{
		baseMargin: math.Log(base / (1 - base)),
		version:    versionString(doc.Version),
		trees:      make([]tree, 0, len(l.Booster.Model.Trees)),
	}
	for i, td := range l.Booster.Model.Trees {
		t, err := buildTree(td)
		if err != nil {
			return nil, loadErr("tree %d: %w", i, err)
		}
		if t.maxFeatureID >= features.Len {
			return nil, loadErr("tree %d: split feature %d out of range", i, t.maxFeatureID)
		}
		m.trees = append(m.trees, t)
	}
	return m, nil
}

// Version returns the XGBoost version that wrote the artifact.
func (m *Model) Version() string { return m.version }

// NumTrees returns the ensemble size.
func (m *Model) NumTrees() int { return len(m.trees) }

// Score evaluates the ensemble on v.
func (m *Model) Score(v features.Vector) (Score, error) {
	return m.ScoreValues(v.Values())
}

// ScoreValues evaluates the ensemble on a raw vector in features.Names order.
func (m *Model) ScoreValues(x []float64) (Score, error) {
	if len(x) != features.Len {
		return Score{}, &ModelError{Op: "score", Err: fmt.Errorf("vector has %d features, want %d", len(x), features.Len)}
	}
	margin := m.baseMargin
	for i := range m.trees {
		margin += m.trees[i].eval(x)
	}
	p := 1 / (1 + math.Exp(-margin))
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return Score{}, &ModelError{Op: "score", Err: errors.New("non-finite probability")}
	}
	return Score{Malicious: p, Benign: 1 - p}, nil
}

func (t *tree) eval(x []float64) float64 {
	n := 0
	for t.left[n] != -1 {
		v := x[t.splitIndex[n]]
		switch {
		case math.IsNaN(v):
			if t.defaultLeft[n] {
				n = t.left[n]
			} else {
				n = t.right[n]
			}
		// XGBoost stores thresholds and compares features as float32.
		case float32(v) < float32(t.splitValue[n]):
			n = t.left[n]
		default:
			n = t.right[n]
		}
	}
	return t.splitValue[n]
}

func buildTree(td treeDoc) (tree, error) {
	n := len(td.LeftChildren)
	if n == 0 {
		return tree{}, errors.New("empty tree")
	}
	if len(td.RightChildren) != n || len(td.SplitIndices) != n ||
		len(td.SplitConditions) != n || len(td.DefaultLeft) != n {
		return tree{}, errors.New("node arrays have unequal length")
	}
	for _, st := range td.SplitType {
		if st != 0 {
			return tree{}, errors.New("categorical splits are not supported")
		}
	}

	t := tree{
		left:        td.LeftChildren,
		right:       td.RightChildren,
		splitIndex:  td.SplitIndices,
		splitValue:  td.SplitConditions,
		defaultLeft: []bool(td.DefaultLeft),
	}
	for i := 0; i < n; i++ {
		l, r := t.left[i], t.right[i]
		if l == -1 {
			if r != -1 {
				return tree{}, fmt.Errorf("node %d: leaf with right child", i)
			}
			continue
		}
		// Children always come after their parent, which also rules out cycles.
		if l <= i || l >= n || r <= i || r >= n {
			return tree{}, fmt.Errorf("node %d: child index out of range", i)
		}
		if t.splitIndex[i] < 0 {
			return tree{}, fmt.Errorf("node %d: negative split index", i)
		}
		if t.splitIndex[i] > t.maxFeatureID {
			t.maxFeatureID = t.splitIndex[i]
		}
	}
	return t, nil
}

func checkFeatureNames(names []string) error {
	if len(names) == 0 {
		return loadErr("model does not declare feature_names")
	}
	if len(names) != len(features.Names) {
		return loadErr("model declares %d features, want %d", len(names), len(features.Names))
	}
	for i, name := range names {
		if name != features.Names[i] {
			return loadErr("feature %d is %q, want %q", i, name, features.Names[i])
		}
	}
	return nil
}

// parseBaseScore accepts "5E-1" as well as the bracketed "[5E-1]" written by
// newer XGBoost releases.
func parseBaseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return 0, loadErr("missing base_score")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, loadErr("base_score %q: %w", s, err)
	}
	return v, nil
}

func versionString(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

type modelDoc struct {
	Version []int      `json:"version"`
	Learner learnerDoc `json:"learner"`
}

type learnerDoc struct {
	FeatureNames []string `json:"feature_names"`
	ModelParam   struct {
		BaseScore  string `json:"base_score"`
		NumFeature string `json:"num_feature"`
	} `json:"learner_model_param"`
	Objective struct {
		Name string `json:"name"`
	} `json:"objective"`
	Booster struct {
		Name  string `json:"name"`
		Model struct {
			Trees []treeDoc `json:"trees"`
		} `json:"model"`
	} `json:"gradient_booster"`
}

type treeDoc struct {
	LeftChildren    []int     `json:"left_children"`
	RightChildren   []int     `json:"right_children"`
	SplitIndices    []int     `json:"split_indices"`
	SplitConditions []float64 `json:"split_conditions"`
	DefaultLeft     flagList  `json:"default_left"`
	SplitType       []int     `json:"split_type"`
}

// flagList decodes default_left, which XGBoost writes as 0/1 integers but
// older dumps wrote as booleans.
type flagList []bool

func (f *flagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]bool, len(raw))
	for i, r := range raw {
		switch s := strings.TrimSpace(string(r)); s {
		case "true", "1":
			out[i] = true
		case "false", "0":
			out[i] = false
		default:
			return fmt.Errorf("default_left[%d]: unexpected value %s", i, s)
		}
	}
	*f = out
	return nil
}
