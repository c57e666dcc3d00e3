package controller

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"clinicrm/models"
	"clinicrm/utils"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: logger,
	}
}

var leadStages = map[string]bool{
	models.LeadStageNew:       true,
	models.LeadStageContacted: true,
	models.LeadStageScheduled: true,
	models.LeadStageWon:       true,
	models.LeadStageLost:      true,
}

// CreateLead creates a new lead with validation
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name    string `json:"name" validate:"required,max=200"`
		Email   string `json:"email" validate:"omitempty,email"`
		Contact string `json:"contact" validate:"required,phone,max=25"`
		Source  string `json:"source" validate:"omitempty,max=100"`
		Notes   string `json:"notes" validate:"omitempty,max=5000"`
		Stage   string `json:"stage" validate:"omitempty,max=20"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	contact := utils.NormalizePhone(input.Contact)
	if len(contact) < 7 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Contact must contain at least 7 digits", nil)
	}

	stage := input.Stage
	if stage == "" {
		stage = models.LeadStageNew
	}
	if !leadStages[stage] {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown lead stage", nil)
	}

	// One lead per contact phone per tenant
	var existing models.Lead
	if err := lc.DB.Where("user_id = ? AND contact = ?", user.ID, contact).First(&existing).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this contact already exists", nil)
	}

	source := input.Source
	if source == "" {
		source = "manual"
	}

	lead := models.Lead{
		UserID:  user.ID,
		Name:    input.Name,
		Email:   strings.ToLower(input.Email),
		Contact: contact,
		Source:  source,
		Notes:   input.Notes,
		Stage:   stage,
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// GetLeads returns paginated list of leads with filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := lc.DB.Model(&models.Lead{}).Where("user_id = ?", user.ID)
	if stage := c.Query("stage"); leadStages[stage] {
		query = query.Where("stage = ?", stage)
	}
	if source := c.Query("source"); source != "" {
		query = query.Where("source = ?", source)
	}
	if search := c.Query("search"); search != "" {
		like := "%" + search + "%"
		query = query.Where("name LIKE ? OR contact LIKE ? OR email LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// GetLead returns one lead with its recent messages
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	err := lc.DB.Where("id = ? AND user_id = ?", leadID, user.ID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	var messages []models.WhatsappMessage
	if err := lc.DB.Where("user_id = ? AND lead_id = ?", user.ID, lead.ID).
		Order("created_at DESC").Limit(50).Find(&messages).Error; err != nil {
		lc.Logger.Printf("lead: message load failed for lead %d: %v", lead.ID, err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"lead":     lead,
		"messages": messages,
	}))
}

// UpdateLead patches mutable lead fields
func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	err := lc.DB.Where("id = ? AND user_id = ?", leadID, user.ID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	var input struct {
		Name  *string `json:"name" validate:"omitempty,max=200"`
		Email *string `json:"email" validate:"omitempty,email"`
		Notes *string `json:"notes" validate:"omitempty,max=5000"`
		Stage *string `json:"stage" validate:"omitempty,max=20"`
		Score *int    `json:"score" validate:"omitempty,min=0,max=100"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if input.Name != nil {
		lead.Name = *input.Name
	}
	if input.Email != nil {
		lead.Email = strings.ToLower(*input.Email)
	}
	if input.Notes != nil {
		lead.Notes = *input.Notes
	}
	if input.Stage != nil {
		if !leadStages[*input.Stage] {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown lead stage", nil)
		}
		lead.Stage = *input.Stage
	}
	if input.Score != nil {
		lead.Score = *input.Score
	}

	if err := lc.DB.Save(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", err)
	}
	return c.JSON(utils.SuccessResponse(lead))
}

// DeleteLead removes a lead; its messages keep their rows but drop the link
func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	err := lc.DB.Where("id = ? AND user_id = ?", leadID, user.ID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	if err := lc.DB.Model(&models.WhatsappMessage{}).
		Where("user_id = ? AND lead_id = ?", user.ID, lead.ID).
		Update("lead_id", nil).Error; err != nil {
		lc.Logger.Printf("lead: unlink messages failed for lead %d: %v", lead.ID, err)
	}

	if err := lc.DB.Delete(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}
