package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/core"
	"github.com/orrn/printsync/internal/cups"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PrinterService interface {
	ListPrinters(ctx context.Context) ([]cups.Printer, error)
	GetPrinterOptions(ctx context.Context, name string) ([]cups.OptionGroup, error)
}

type PrinterOptionsResponse struct {
	Printer string             `json:"printer"`
	Groups  []cups.OptionGroup `json:"groups"`
}

type PrinterHandler struct {
	printers PrinterService
	log      logrus.FieldLogger
}

func NewPrinterHandler(printers PrinterService, log logrus.FieldLogger) *PrinterHandler {
	return &PrinterHandler{printers: printers, log: log.WithField("component", "api")}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers, err := h.printers.ListPrinters(c.Request.Context())
	if err != nil {
		h.printerError(c, err)
		return
	}
	if printers == nil {
		printers = []cups.Printer{}
	}
	c.JSON(http.StatusOK, printers)
}

func (h *PrinterHandler) GetPrinterOptions(c *gin.Context) {
	name := c.Param("name")
	groups, err := h.printers.GetPrinterOptions(c.Request.Context(), name)
	if err != nil {
		h.printerError(c, err)
		return
	}
	if groups == nil {
		groups = []cups.OptionGroup{}
	}
	c.JSON(http.StatusOK, PrinterOptionsResponse{Printer: name, Groups: groups})
}

func (h *PrinterHandler) printerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cups.ErrPrinterNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Printer not found"})
	case errors.Is(err, core.ErrServiceUnavailable):
		h.log.WithError(err).Warn("print service unavailable")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "print_service_unavailable", Message: "Error connecting to CUPS"})
	default:
		h.log.WithError(err).Error("printer request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to query printers"})
	}
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/:name/options", h.GetPrinterOptions)
}
