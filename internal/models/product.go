// internal/models/product.go
package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is one catalog item, identified by (Source, SourceID).
type Product struct {
	BaseModel
	Source         Source         `json:"source" gorm:"type:varchar(20);not null;uniqueIndex:idx_products_source_source_id,priority:1" validate:"required,oneof=medicalexpo medline alibaba"`
	SourceID       string         `json:"source_id" gorm:"size:255;not null;uniqueIndex:idx_products_source_source_id,priority:2" validate:"required,max=255"`
	Name           string         `json:"name" gorm:"size:500;not null" validate:"required,max=500"`
	Brand          *string        `json:"brand,omitempty" gorm:"size:255" validate:"omitempty,max=255"`
	Category       *string        `json:"category,omitempty" gorm:"size:255" validate:"omitempty,max=255"`
	Description    *string        `json:"description,omitempty" gorm:"type:text"`
	Specifications Specifications `json:"specifications"`

	// Relationships
	Images    []Image        `json:"images,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" validate:"dive"`
	Documents []Document     `json:"documents,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" validate:"dive"`
	Pricing   []PriceListing `json:"pricing,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" validate:"dive"`
	Sellers   []Seller       `json:"sellers,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" validate:"dive"`
}

type Image struct {
	BaseModel
	ProductID uuid.UUID `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_images_product_url,priority:1"`
	URL       string    `json:"url" gorm:"size:2048;not null;uniqueIndex:idx_images_product_url,priority:2" validate:"required,url"`
	LocalPath *string   `json:"local_path,omitempty" gorm:"size:1024"`
	IsPrimary bool      `json:"is_primary" gorm:"not null;default:false"`
}

type Document struct {
	BaseModel
	ProductID    uuid.UUID `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_documents_product_url,priority:1"`
	URL          string    `json:"url" gorm:"size:2048;not null;uniqueIndex:idx_documents_product_url,priority:2" validate:"required,url"`
	LocalPath    *string   `json:"local_path,omitempty" gorm:"size:1024"`
	DocumentType *string   `json:"document_type,omitempty" gorm:"size:50"`
}

// PriceListing is the latest price snapshot of a product in one currency.
type PriceListing struct {
	BaseModel
	ProductID        uuid.UUID           `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_pricing_product_currency,priority:1"`
	Currency         string              `json:"currency" gorm:"size:3;not null;default:'USD';uniqueIndex:idx_pricing_product_currency,priority:2" validate:"required,currency_code"`
	MinPrice         decimal.NullDecimal `json:"min_price" gorm:"type:decimal(12,2)"`
	MaxPrice         decimal.NullDecimal `json:"max_price" gorm:"type:decimal(12,2)"`
	Unit             *string             `json:"unit,omitempty" gorm:"size:50" validate:"omitempty,max=50"`
	MinOrderQuantity *int                `json:"min_order_quantity,omitempty" validate:"omitempty,min=1"`
}

func (PriceListing) TableName() string {
	return "pricing"
}

// Seller is identified within a product by (Name, Website). An absent
// website is stored as the empty string so the unique index holds.
type Seller struct {
	BaseModel
	ProductID uuid.UUID           `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_sellers_identity,priority:1"`
	Name      string              `json:"name" gorm:"size:255;not null;uniqueIndex:idx_sellers_identity,priority:2" validate:"required,max=255"`
	Website   string              `json:"website,omitempty" gorm:"size:512;not null;default:'';uniqueIndex:idx_sellers_identity,priority:3" validate:"omitempty,max=512"`
	Rating    decimal.NullDecimal `json:"rating" gorm:"type:decimal(3,2)"`
	Location  *string             `json:"location,omitempty" gorm:"size:255"`
}
