package db

import (
	"errors"
	"fmt"
	"time"

	"fastchat/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID        int    `gorm:"primaryKey;autoIncrement:false"`
	Password  string `gorm:"not null"`
	ServerID  int    `gorm:"not null;default:-1"`
	PublicKey string `gorm:"not null;default:''"`
}

func (userRow) TableName() string { return "users" }

type groupRow struct {
	ID    int `gorm:"primaryKey"`
	Admin int `gorm:"not null"`
}

func (groupRow) TableName() string { return "chat_groups" }

type memberRow struct {
	ID      int64 `gorm:"primaryKey"`
	GroupID int   `gorm:"not null;uniqueIndex:idx_group_member"`
	UserID  int   `gorm:"not null;uniqueIndex:idx_group_member"`
}

func (memberRow) TableName() string { return "group_members" }

type messageRow struct {
	ID       int64  `gorm:"primaryKey"`
	Sender   int    `gorm:"not null"`
	Receiver int    `gorm:"not null;index"`
	Time     string `gorm:"not null"`
	Payload  string `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

type groupMessageRow struct {
	ID       int64  `gorm:"primaryKey"`
	Sender   int    `gorm:"not null"`
	GroupID  int    `gorm:"not null"`
	Receiver int    `gorm:"not null;index"`
	Time     string `gorm:"not null"`
	Payload  string `gorm:"not null"`
}

func (groupMessageRow) TableName() string { return "group_messages" }

type loadRow struct {
	ServerID int `gorm:"primaryKey;autoIncrement:false"`
	Clients  int `gorm:"not null;default:0"`
}

func (loadRow) TableName() string { return "numclients" }

// Postgres is the gateway for a central PostgreSQL store, shared by every
// server of a deployment spread over several hosts.
type Postgres struct {
	gdb *gorm.DB
}

var _ Gateway = (*Postgres)(nil)

// NewPostgres connects with a short retry so a store that is still starting
// up does not fail the process.
func NewPostgres(dsn string) (*Postgres, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				break
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(&userRow{}, &groupRow{}, &memberRow{}, &messageRow{}, &groupMessageRow{}, &loadRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{gdb: gdb}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) RegisterUser(id int, password, publicKey string, serverID int) (bool, error) {
	hashed, err := hashPassword(password)
	if err != nil {
		return false, err
	}
	res := p.gdb.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&userRow{ID: id, Password: hashed, ServerID: serverID, PublicKey: publicKey})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (p *Postgres) UserExists(id int) (bool, error) {
	var count int64
	err := p.gdb.Model(&userRow{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (p *Postgres) findUser(id int) (userRow, error) {
	var u userRow
	err := p.gdb.Where("id = ?", id).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return userRow{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, err
}

func (p *Postgres) FetchPublicKey(id int) (string, error) {
	u, err := p.findUser(id)
	if err != nil {
		return "", err
	}
	return u.PublicKey, nil
}

func (p *Postgres) CheckCredentials(id int, password string) (bool, error) {
	u, err := p.findUser(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return matchPassword(u.Password, password), nil
}

func (p *Postgres) AssignServer(id, serverID int) error {
	res := p.gdb.Model(&userRow{}).Where("id = ?", id).Update("server_id", serverID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) QueryServer(id int) (models.Location, error) {
	u, err := p.findUser(id)
	if errors.Is(err, ErrNotFound) {
		return models.NotRegistered, nil
	}
	if err != nil {
		return 0, err
	}
	if u.ServerID <= 0 {
		return models.Offline, nil
	}
	return models.Location(u.ServerID), nil
}

func (p *Postgres) EnqueueOfflineDirect(msg models.PendingMessage) error {
	return p.gdb.Create(&messageRow{Sender: msg.Sender, Receiver: msg.Receiver, Time: msg.Time, Payload: msg.Payload}).Error
}

func (p *Postgres) EnqueueOfflineGroup(msg models.PendingGroupMessage) error {
	return p.gdb.Create(&groupMessageRow{
		Sender: msg.Sender, GroupID: msg.Group, Receiver: msg.Receiver, Time: msg.Time, Payload: msg.Payload,
	}).Error
}

func (p *Postgres) DrainOfflineDirect(user int) ([]models.PendingMessage, error) {
	var out []models.PendingMessage
	err := p.gdb.Transaction(func(tx *gorm.DB) error {
		var rows []messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("receiver = ?", user).Order("id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Where("receiver = ? AND id <= ?", user, rows[len(rows)-1].ID).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, models.PendingMessage{ID: r.ID, Sender: r.Sender, Receiver: r.Receiver, Time: r.Time, Payload: r.Payload})
		}
		return nil
	})
	return out, err
}

func (p *Postgres) DrainOfflineGroup(user int) ([]models.PendingGroupMessage, error) {
	var out []models.PendingGroupMessage
	err := p.gdb.Transaction(func(tx *gorm.DB) error {
		var rows []groupMessageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("receiver = ?", user).Order("id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Where("receiver = ? AND id <= ?", user, rows[len(rows)-1].ID).Delete(&groupMessageRow{}).Error; err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, models.PendingGroupMessage{
				ID: r.ID, Sender: r.Sender, Group: r.GroupID, Receiver: r.Receiver, Time: r.Time, Payload: r.Payload,
			})
		}
		return nil
	})
	return out, err
}

func (p *Postgres) CreateGroup(admin int, participants []int) (int, error) {
	members := groupMembers(admin, participants)
	groupID := -1
	err := p.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRow{}).Where("id IN ?", members).Count(&count).Error; err != nil {
			return err
		}
		if int(count) != len(members) {
			return nil
		}
		g := groupRow{Admin: admin}
		if err := tx.Create(&g).Error; err != nil {
			return err
		}
		rows := make([]memberRow, len(members))
		for i, id := range members {
			rows[i] = memberRow{GroupID: g.ID, UserID: id}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		groupID = g.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return groupID, nil
}

func (p *Postgres) Group(id int) (models.Group, error) {
	var g groupRow
	err := p.gdb.Where("id = ?", id).Take(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Group{}, err
	}
	members, err := p.GroupParticipants(id)
	if err != nil {
		return models.Group{}, err
	}
	return models.Group{ID: g.ID, Admin: g.Admin, Participants: members}, nil
}

func (p *Postgres) GroupParticipants(id int) ([]int, error) {
	var out []int
	err := p.gdb.Model(&memberRow{}).Where("group_id = ?", id).Order("id").Pluck("user_id", &out).Error
	return out, err
}

func (p *Postgres) AddParticipant(group, user int) error {
	return p.gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&memberRow{GroupID: group, UserID: user}).Error
}

func (p *Postgres) RemoveParticipant(group, user int) error {
	return p.gdb.Where("group_id = ? AND user_id = ?", group, user).Delete(&memberRow{}).Error
}

func (p *Postgres) InitLoad(total int) error {
	for id := 1; id <= total; id++ {
		if err := p.gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&loadRow{ServerID: id}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) IncrementLoad(serverID int) error {
	return p.adjustLoad(serverID, 1)
}

func (p *Postgres) DecrementLoad(serverID int) error {
	return p.adjustLoad(serverID, -1)
}

func (p *Postgres) adjustLoad(serverID, delta int) error {
	initial := delta
	if initial < 0 {
		initial = 0
	}
	return p.gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"clients": gorm.Expr("GREATEST(numclients.clients + ?, 0)", delta)}),
	}).Create(&loadRow{ServerID: serverID, Clients: initial}).Error
}

func (p *Postgres) LoadCounters() ([]models.ServerLoad, error) {
	var rows []loadRow
	if err := p.gdb.Order("server_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ServerLoad, len(rows))
	for i, r := range rows {
		out[i] = models.ServerLoad{ServerID: r.ServerID, Clients: r.Clients}
	}
	return out, nil
}

func (p *Postgres) MinLoadServer(pool []int) (int, error) {
	loads, err := p.LoadCounters()
	if err != nil {
		return 0, err
	}
	return minLoad(pool, loads)
}
