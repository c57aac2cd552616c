package models

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User 用户表（只保留聊天需要的字段）
type User struct {
	ID          uint      `gorm:"primaryKey;column:id" json:"id"`
	Email       string    `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	FullName    string    `gorm:"column:full_name;size:200" json:"full_name"`
	Role        string    `gorm:"column:role;size:20;not null;default:user;index" json:"role"`
	CreatedDate time.Time `gorm:"column:created_date;not null" json:"created_date"`
}

func (User) TableName() string {
	return "users"
}

// IsAdmin 是否管理员
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
