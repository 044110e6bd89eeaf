package subscription

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPlans returns the built-in plan set.
// Paid plans carry no price ids; attach them with WithPriceIDs or a plans file.
func DefaultPlans() []Plan {
	proFeatures := []Feature{
		FeatureInvoicing,
		FeatureAdvancedAnalytics,
		FeatureInvoiceCustomization,
		FeatureAPIAccess,
	}
	unlimited := map[Resource]int64{
		ResourceProjects: Unlimited,
		ResourceClients:  Unlimited,
		ResourceInvoices: Unlimited,
	}

	return []Plan{
		{
			ID:       FreePlanID,
			Name:     "Free",
			Interval: BillingIntervalNone,
			Limits: map[Resource]int64{
				ResourceProjects: 20,
				ResourceClients:  20,
				ResourceInvoices: 20,
			},
		},
		{
			ID:       "pro_monthly",
			Name:     "Pro (monthly)",
			Interval: BillingIntervalMonthly,
			Limits:   unlimited,
			Features: proFeatures,
			Price:    Money{Amount: 1200, Currency: "USD"},
		},
		{
			ID:       "pro_yearly",
			Name:     "Pro (yearly)",
			Interval: BillingIntervalAnnual,
			Limits:   unlimited,
			Features: proFeatures,
			Price:    Money{Amount: 12000, Currency: "USD"},
		},
	}
}

// WithPriceIDs returns a copy of plans with the given provider price ids
// appended to the matching plans. Empty ids are skipped.
func WithPriceIDs(plans []Plan, priceIDs map[string][]string) []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		p = clonePlan(p)
		for _, id := range priceIDs[p.ID] {
			if id = strings.TrimSpace(id); id != "" {
				p.PriceIDs = append(p.PriceIDs, id)
			}
		}
		out = append(out, p)
	}
	return out
}

type plansFile struct {
	Plans []planDoc `yaml:"plans"`
}

type planDoc struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Interval    BillingInterval       `yaml:"interval"`
	Price       Money                 `yaml:"price"`
	PriceIDs    []string              `yaml:"price_ids"`
	Features    []Feature             `yaml:"features"`
	Limits      map[Resource]limitDoc `yaml:"limits"`
}

// limitDoc accepts either an integer or the word "unlimited".
type limitDoc int64

func (l *limitDoc) UnmarshalYAML(value *yaml.Node) error {
	if strings.EqualFold(strings.TrimSpace(value.Value), "unlimited") {
		*l = limitDoc(Unlimited)
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid limit %q", value.Line, value.Value)
	}
	*l = limitDoc(n)
	return nil
}

// LoadPlansYAML decodes a plan list from YAML.
//
//	plans:
//	  - id: free
//	    limits: {projects: 20, clients: 20, invoices: 20}
//	  - id: pro_monthly
//	    price_ids: [price_123]
//	    features: [invoicing, api_access]
//	    limits: {projects: unlimited, clients: unlimited, invoices: unlimited}
func LoadPlansYAML(r io.Reader) ([]Plan, error) {
	var doc plansFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Join(ErrInvalidPlanConfiguration, errors.New("plans file is empty"))
		}
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}

	plans := make([]Plan, 0, len(doc.Plans))
	for _, d := range doc.Plans {
		p := Plan{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Interval:    d.Interval,
			Price:       d.Price,
			PriceIDs:    d.PriceIDs,
			Features:    d.Features,
			Limits:      make(map[Resource]int64, len(d.Limits)),
		}
		if p.Interval == "" {
			p.Interval = BillingIntervalNone
		}
		for res, limit := range d.Limits {
			p.Limits[res] = int64(limit)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// LoadPlansFile reads plans from a YAML file on disk.
func LoadPlansFile(path string) ([]Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}
	defer f.Close()
	return LoadPlansYAML(f)
}
