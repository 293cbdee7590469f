package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("capacity_audit")

		collection.Fields.Add(
			&core.TextField{Name: "action", Required: true},
			&core.TextField{Name: "plan_type"},
			&core.NumberField{Name: "weight_change", OnlyInt: true},
			&core.NumberField{Name: "previous_load", OnlyInt: true},
			&core.NumberField{Name: "new_load", OnlyInt: true},
			&core.TextField{Name: "admin_id"},
			&core.TextField{Name: "reason"},
			&core.AutodateField{Name: "created", OnCreate: true},
		)

		collection.AddIndex("idx_capacity_audit_action", false, "action", "")
		collection.AddIndex("idx_capacity_audit_created", false, "created", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("capacity_audit")
		if err != nil {
			return nil
		}
		return app.Delete(collection)
	})
}
