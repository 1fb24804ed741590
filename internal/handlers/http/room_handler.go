package http

import (
	"context"
	"fmt"
	"net/http"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/services"
	"groupcall/internal/infrastructure/middleware"
	"groupcall/pkg/errors"
	"groupcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomService is the part of the conference the REST API drives.
type RoomService interface {
	CreateMeeting(ctx context.Context, owner domain.Identity, participants []domain.UserID) (*domain.Meeting, error)
	Invite(ctx context.Context, from domain.Identity, roomID domain.RoomID, users []domain.UserID) error
	Room(ctx context.Context, roomID domain.RoomID) (*services.RoomView, error)
}

type RoomHandler struct {
	rooms RoomService
}

func NewRoomHandler(rooms RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

// SetupRoutes mounts the room API on group, which must already run
// middleware.AuthMiddleware.
func (h *RoomHandler) SetupRoutes(group *gin.RouterGroup) {
	group.POST("/rooms", h.CreateRoom)
	group.POST("/rooms/:id/invite", h.Invite)
	group.GET("/rooms/:id", h.GetRoom)
}

type CreateRoomRequest struct {
	Participants []domain.UserID `json:"participants" binding:"max=100"`
}

type InviteRequest struct {
	Users []domain.UserID `json:"users" binding:"required,min=1,max=100"`
}

func identity(c *gin.Context) (domain.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
	}
	return id, ok
}

func validateUsers(users []domain.UserID) error {
	for i, u := range users {
		if err := validation.ValidateID(string(u), fmt.Sprintf("users[%d]", i)); err != nil {
			return errors.NewInvalidInputError(err.Error())
		}
	}
	return nil
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	owner, ok := identity(c)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	if err := validateUsers(req.Participants); err != nil {
		_ = c.Error(err)
		return
	}

	meeting, err := h.rooms.CreateMeeting(c.Request.Context(), owner, req.Participants)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, meeting)
}

func (h *RoomHandler) Invite(c *gin.Context) {
	from, ok := identity(c)
	if !ok {
		return
	}
	roomID := c.Param("id")
	if err := validation.ValidateID(roomID, "room id"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validateUsers(req.Users); err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.rooms.Invite(c.Request.Context(), from, domain.RoomID(roomID), req.Users); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRoom returns the live view of a room to users allowed to join it.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	roomID := c.Param("id")
	if err := validation.ValidateID(roomID, "room id"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	view, err := h.rooms.Room(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !view.Meeting.Permits(caller.UserID) {
		_ = c.Error(errors.NewForbiddenError("not a participant of this room"))
		return
	}
	c.JSON(http.StatusOK, view)
}
