// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
)

// NotifyFunc is called for each Announcement of another node, together with
// the announcing host's address.
type NotifyFunc func(announcement Announcement, host string)

// Manager publishes and receives Announcements.
type Manager struct {
	// Node is this process's identifier, put into all own Announcements.
	Node   string
	Notify NotifyFunc

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started. The Node field of
// announcements is overwritten by the Manager's identifier.
func NewManager(
	notify NotifyFunc, announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	manager := newManager(notify)
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"node":          manager.Node,
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery")

	own := make([]Announcement, len(announcements))
	for i, announcement := range announcements {
		announcement.Node = manager.Node
		own[i] = announcement
	}
	msg, err := MarshalAnnouncements(own)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            announcementInterval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           manager.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				manager.Close()
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return manager, nil
}

func newManager(notify NotifyFunc) *Manager {
	return &Manager{
		Node:   uuid.NewString(),
		Notify: notify,
	}
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"node": manager.Node,
			"peer": discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")
		return
	}

	for _, announcement := range announcements {
		if announcement.Node == manager.Node {
			continue
		}

		log.WithFields(log.Fields{
			"node":    manager.Node,
			"peer":    discovered.Address,
			"message": announcement,
		}).Debug("Peer discovery received a message")

		if manager.Notify != nil {
			go manager.Notify(announcement, discovered.Address)
		}
	}
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			select {
			case c <- struct{}{}:
			case <-time.After(time.Second):
				log.WithField("node", manager.Node).Warn("Peer discovery did not stop")
			}
		}
	}
}
