package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("plan_configs")

		collection.Fields.Add(
			&core.TextField{Name: "plan_type", Required: true},
			&core.NumberField{Name: "weight", Required: true, OnlyInt: true},
			&core.NumberField{Name: "estimated_delivery_days", Required: true, OnlyInt: true},
			&core.TextField{Name: "price"},
			&core.BoolField{Name: "is_active"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_plan_configs_plan_type", true, "plan_type", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("plan_configs")
		if err != nil {
			return nil
		}
		return app.Delete(collection)
	})
}
