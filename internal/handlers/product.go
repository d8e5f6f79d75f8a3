// internal/handlers/product.go
package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/medequip-scraper/internal/services"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

type ProductHandler struct {
	productService *services.ProductService
}

func NewProductHandler(productService *services.ProductService) *ProductHandler {
	return &ProductHandler{
		productService: productService,
	}
}

// GET /products
func (h *ProductHandler) GetProducts(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	filter := services.ProductFilter{
		PaginationParams: params,
		Source:           c.Query("source"),
		Category:         c.Query("category"),
		Brand:            c.Query("brand"),
		Search:           c.Query("search"),
	}

	if minRatingStr := c.Query("min_rating"); minRatingStr != "" {
		minRating, err := strconv.ParseFloat(minRatingStr, 64)
		if err != nil || minRating < 0 || minRating > 5 {
			utils.BadRequestResponse(c, "min_rating must be a number between 0 and 5", nil)
			return
		}
		filter.MinRating = &minRating
	}

	products, total, err := h.productService.ListProducts(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		utils.InternalErrorResponse(c, "Failed to list products")
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	productID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid product ID", nil)
		return
	}

	product, err := h.productService.GetProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, services.ErrProductNotFound) {
			utils.NotFoundResponse(c, "Product")
			return
		}
		c.Error(err)
		utils.InternalErrorResponse(c, "Failed to load product")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"product": product,
	})
}

// GET /stats
func (h *ProductHandler) GetCatalogStats(c *gin.Context) {
	stats, err := h.productService.CatalogStats(c.Request.Context())
	if err != nil {
		c.Error(err)
		utils.InternalErrorResponse(c, "Failed to load catalog statistics")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"stats": stats,
	})
}
