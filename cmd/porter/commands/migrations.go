package commands

import (
	"github.com/fieldline/porter/engine"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/target"
	"github.com/fieldline/porter/transform"
)

// buildRegistry assembles the migration kinds this binary knows how to run.
// Field-mapping tables are configuration data; these are the shipped
// defaults for the standard CRM migration.
func buildRegistry() (*engine.Registry, error) {
	registry := engine.NewRegistry()

	crmFull, err := crmFullMigration()
	if err != nil {
		return nil, err
	}
	registry.Register(crmFull)

	contactsOnly, err := contactsOnlyMigration()
	if err != nil {
		return nil, err
	}
	registry.Register(contactsOnly)

	return registry, nil
}

func contactsTable() (*transform.Table, error) {
	return transform.NewTable("contacts", []transform.FieldMapping{
		{Source: "email", Target: "email", Required: true},
		{Source: "first_name", Target: "firstname"},
		{Source: "last_name", Target: "lastname"},
		{Source: "phone", Target: "phone"},
		{Source: "lifecycle_stage", Target: "lifecyclestage", Func: transform.EnumRule{
			Mapping: map[string]string{
				"Lead":        "lead",
				"Prospect":    "opportunity",
				"Customer":    "customer",
				"Churned":     "other",
				"Evangelist":  "evangelist",
				"Subscriber":  "subscriber",
				"Unqualified": "other",
			},
			Policy:  transform.PolicyDefault,
			Default: "lead",
		}.Func()},
		{Source: "created_date", Target: "source_created_date", Func: transform.DateRule{
			Policy: transform.PolicyDrop,
		}.Func()},
	})
}

func companiesTable() (*transform.Table, error) {
	return transform.NewTable("companies", []transform.FieldMapping{
		{Source: "name", Target: "name", Required: true},
		{Source: "website", Target: "domain", Func: transform.DomainRule{
			Policy: transform.PolicyDrop,
		}.Func()},
		{Source: "industry", Target: "industry"},
		{Source: "employee_count", Target: "numberofemployees"},
	})
}

func dealsTable() (*transform.Table, error) {
	return transform.NewTable("deals", []transform.FieldMapping{
		{Source: "title", Target: "dealname", Required: true},
		{Source: "amount", Target: "amount"},
		{Source: "stage", Target: "dealstage", Func: transform.EnumRule{
			Mapping: map[string]string{
				"New":         "appointmentscheduled",
				"Qualified":   "qualifiedtobuy",
				"Proposal":    "presentationscheduled",
				"Negotiation": "contractsent",
				"Won":         "closedwon",
				"Lost":        "closedlost",
			},
			Policy:  transform.PolicyDefault,
			Default: "appointmentscheduled",
		}.Func()},
		{Source: "close_date", Target: "closedate", Func: transform.DateRule{
			Policy: transform.PolicyDrop,
		}.Func()},
	})
}

// crmFullMigration migrates contacts, companies, and deals in dependency
// order. Primary entities load under the hard-stop strategy; deals degrade
// to individual creates on chunk failure.
func crmFullMigration() (*engine.EntityMigration, error) {
	contacts, err := contactsTable()
	if err != nil {
		return nil, errors.Wrap(err, "contacts mapping table")
	}
	companies, err := companiesTable()
	if err != nil {
		return nil, errors.Wrap(err, "companies mapping table")
	}
	deals, err := dealsTable()
	if err != nil {
		return nil, errors.Wrap(err, "deals mapping table")
	}

	return engine.NewEntityMigration("crm-full",
		engine.EntitySpec{
			EntityType:   "contacts",
			SourceEntity: "contacts",
			SourceType:   "contact",
			Table:        contacts,
			Strategy:     target.HardStop,
		},
		engine.EntitySpec{
			EntityType:   "companies",
			SourceEntity: "companies",
			SourceType:   "company",
			Table:        companies,
			Strategy:     target.HardStop,
		},
		engine.EntitySpec{
			EntityType:   "deals",
			SourceEntity: "deals",
			SourceType:   "deal",
			Table:        deals,
			Strategy:     target.DegradeToIndividual,
			// deals link back to the contacts and companies migrated above
			Links: []engine.LinkRule{
				{SourceField: "contact_id", ToSourceType: "contact", Kind: "deal_to_contact"},
				{SourceField: "company_id", ToSourceType: "company", Kind: "deal_to_company"},
			},
		},
	)
}

// contactsOnlyMigration is the constrained kind used for test runs against
// production-sized sources, typically with engine.max_records set.
func contactsOnlyMigration() (*engine.EntityMigration, error) {
	contacts, err := contactsTable()
	if err != nil {
		return nil, errors.Wrap(err, "contacts mapping table")
	}

	return engine.NewEntityMigration("crm-contacts",
		engine.EntitySpec{
			EntityType:   "contacts",
			SourceEntity: "contacts",
			SourceType:   "contact",
			Table:        contacts,
			Strategy:     target.HardStop,
		},
	)
}
