// Package catalog loads declarative configuration from a YAML file: tenants,
// target schemas, transformation rules, prompt templates, synonyms, reference
// tables and manual mappings.
//
// Example:
//
//	tenants:
//	  - {code: acme, name: Acme Health, active: true}
//	schemas:
//	  - entity: customers
//	    columns:
//	      - {name: customer_id, data_type: VARCHAR(20)}
//	      - {name: email, data_type: TEXT, nullable: true}
//	rules:
//	  - id: DQ001
//	    category: DATA_QUALITY
//	    target_entity: customers
//	    logic: email IS NOT NULL
//	    error_action: QUARANTINE
//	  - id: DD001
//	    category: DEDUPLICATION
//	    target_entity: customers
//	    logic: customer_id
//	    parameters: {strategy: KEEP_LAST}
//	synonyms: {CUST: CUSTOMER, AMT: AMOUNT}
//	reference_tables:
//	  us_states: {CA: California, NY: New York}
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/rules"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"gopkg.in/yaml.v3"
)

// Catalog is the parsed file.
type Catalog struct {
	Tenants         []model.Tenant               `yaml:"tenants"`
	Schemas         []Schema                     `yaml:"schemas"`
	Rules           []Rule                       `yaml:"rules"`
	Prompts         []model.PromptTemplate       `yaml:"prompts"`
	Synonyms        map[string]string            `yaml:"synonyms"`
	ReferenceTables map[string]map[string]string `yaml:"reference_tables"`
	Mappings        []Mapping                    `yaml:"mappings"`
}

// Schema is a target entity declaration. Standard metadata columns are
// appended unless StandardColumns is explicitly false.
type Schema struct {
	model.TargetSchema `yaml:",inline"`
	StandardColumns    *bool `yaml:"standard_columns"`
}

// Rule is a rule declaration. Parameters may be any YAML mapping and are
// stored as JSON.
type Rule struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Category     string         `yaml:"category"`
	TargetEntity string         `yaml:"target_entity"`
	TargetField  string         `yaml:"target_field"`
	Logic        string         `yaml:"logic"`
	Parameters   map[string]any `yaml:"parameters"`
	Priority     int            `yaml:"priority"`
	ErrorAction  string         `yaml:"error_action"`
	Scope        string         `yaml:"scope"`
	Active       *bool          `yaml:"active"`
}

// Mapping is a pre-approved manual mapping.
type Mapping struct {
	SourceField         string `yaml:"source_field"`
	SourceEntity        string `yaml:"source_entity"`
	TargetEntity        string `yaml:"target_entity"`
	TargetField         string `yaml:"target_field"`
	Scope               string `yaml:"scope"`
	TransformExpression string `yaml:"transform_expression"`
}

// Load reads and parses the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog and checks it. Unknown keys are errors.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToRule converts the declaration into a model rule.
func (r Rule) ToRule() (model.TransformationRule, error) {
	cat, err := model.ParseCategory(r.Category)
	if err != nil {
		return model.TransformationRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	action, err := model.ParseErrorAction(r.ErrorAction)
	if err != nil {
		return model.TransformationRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	out := model.TransformationRule{
		ID:           r.ID,
		Name:         r.Name,
		Category:     cat,
		TargetEntity: r.TargetEntity,
		TargetField:  r.TargetField,
		Logic:        r.Logic,
		Priority:     r.Priority,
		ErrorAction:  action,
		Scope:        r.Scope,
		Active:       r.Active == nil || *r.Active,
	}
	if len(r.Parameters) > 0 {
		b, err := json.Marshal(r.Parameters)
		if err != nil {
			return model.TransformationRule{}, fmt.Errorf("rule %s parameters: %w", r.ID, err)
		}
		out.Parameters = b
	}
	out.Normalize()
	return out, nil
}

// Validate collects every problem into one error.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, t := range c.Tenants {
		code := strings.TrimSpace(t.Code)
		if code == "" {
			errs = append(errs, fmt.Errorf("tenants[%d]: code is required", i))
		} else if seen["t:"+strings.ToLower(code)] {
			errs = append(errs, fmt.Errorf("tenants[%d]: duplicate code %q", i, code))
		}
		seen["t:"+strings.ToLower(code)] = true
	}
	for i, s := range c.Schemas {
		sch := s.TargetSchema
		if err := sch.Normalize(); err != nil {
			errs = append(errs, fmt.Errorf("schemas[%d]: %w", i, err))
			continue
		}
		if err := sch.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schemas[%d]: %w", i, err))
		}
	}
	for i, r := range c.Rules {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
			continue
		}
		if seen["r:"+r.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID))
		}
		seen["r:"+r.ID] = true
		rule, err := r.ToRule()
		if err == nil {
			err = rule.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}
	for i, p := range c.Prompts {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Text) == "" {
			errs = append(errs, fmt.Errorf("prompts[%d]: id and text are required", i))
		}
	}
	for i, m := range c.Mappings {
		if m.SourceField == "" || m.TargetEntity == "" || m.TargetField == "" {
			errs = append(errs, fmt.Errorf("mappings[%d]: source_field, target_entity and target_field are required", i))
		}
	}
	return errors.Join(errs...)
}

// Store is the persistence Apply writes to.
type Store interface {
	store.SchemaStore
	store.MappingStore
	store.RuleStore
}

// Result counts what Apply wrote.
type Result struct {
	Tenants         int `json:"tenants"`
	Schemas         int `json:"schemas"`
	Rules           int `json:"rules"`
	Prompts         int `json:"prompts"`
	Synonyms        int `json:"synonyms"`
	ReferenceTables int `json:"reference_tables"`
	Mappings        int `json:"mappings"`
}

// Summary renders the counts for operators.
func (r Result) Summary() string {
	return fmt.Sprintf("%d tenants, %d schemas, %d rules, %d prompts, %d synonyms, %d reference tables, %d mappings",
		r.Tenants, r.Schemas, r.Rules, r.Prompts, r.Synonyms, r.ReferenceTables, r.Mappings)
}

// Total is the number of items written.
func (r Result) Total() int {
	return r.Tenants + r.Schemas + r.Rules + r.Prompts + r.Synonyms + r.ReferenceTables + r.Mappings
}

// Apply upserts the catalog. Reference tables are installed into re before rules
// are compiled against them; every rule must compile. Mappings are imported
// through me as approved MANUAL entries. Apply stops at the first error.
func (c *Catalog) Apply(ctx context.Context, st Store, me *mapping.Engine, re *rules.Engine) (Result, error) {
	var res Result

	for _, t := range c.Tenants {
		t.Code = strings.TrimSpace(t.Code)
		if err := st.UpsertTenant(ctx, t); err != nil {
			return res, fmt.Errorf("tenant %s: %w", t.Code, err)
		}
		res.Tenants++
	}

	if len(c.Synonyms) > 0 {
		known := make([]model.KnownMapping, 0, len(c.Synonyms))
		for token, canonical := range c.Synonyms {
			known = append(known, model.KnownMapping{Token: token, Canonical: canonical})
		}
		sort.Slice(known, func(i, j int) bool { return known[i].Token < known[j].Token })
		if err := st.UpsertKnownMappings(ctx, known); err != nil {
			return res, fmt.Errorf("synonyms: %w", err)
		}
		res.Synonyms = len(known)
	}

	for _, p := range c.Prompts {
		if err := st.UpsertPromptTemplate(ctx, p); err != nil {
			return res, fmt.Errorf("prompt %s: %w", p.ID, err)
		}
		res.Prompts++
	}

	for _, s := range c.Schemas {
		sch := s.TargetSchema
		if err := sch.Normalize(); err != nil {
			return res, err
		}
		if s.StandardColumns == nil || *s.StandardColumns {
			sch = sch.WithStandardColumns()
		}
		if _, err := st.SaveSchema(ctx, sch); err != nil {
			return res, fmt.Errorf("schema %s: %w", sch.Entity, err)
		}
		res.Schemas++
	}

	names := make([]string, 0, len(c.ReferenceTables))
	for name := range c.ReferenceTables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if re != nil {
			re.SetReferenceTable(name, c.ReferenceTables[name])
		}
		res.ReferenceTables++
	}

	for _, r := range c.Rules {
		rule, err := r.ToRule()
		if err != nil {
			return res, err
		}
		if re != nil {
			sch, err := st.GetSchema(ctx, rule.TargetEntity)
			switch {
			case err == nil:
				err = re.ValidateFor(rule, sch)
			case errors.Is(err, store.ErrNotFound):
				err = re.Validate(rule)
			}
			if err != nil {
				return res, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
		if _, err := st.UpsertRule(ctx, rule); err != nil {
			return res, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		res.Rules++
	}

	if len(c.Mappings) > 0 && me != nil {
		ms := make([]model.FieldMapping, len(c.Mappings))
		for i, m := range c.Mappings {
			ms[i] = model.FieldMapping{
				SourceField:         m.SourceField,
				SourceEntity:        m.SourceEntity,
				TargetEntity:        m.TargetEntity,
				TargetField:         m.TargetField,
				Scope:               m.Scope,
				TransformExpression: m.TransformExpression,
			}
		}
		out, err := me.ImportManual(ctx, ms)
		if err != nil {
			return res, fmt.Errorf("mappings: %w", err)
		}
		res.Mappings = out.Inserted
	}
	return res, nil
}
