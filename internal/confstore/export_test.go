package confstore

// SetBeforeDiskPublish installs fn to run right before a disk option
// update publishes its snapshot.
func (s *Store) SetBeforeDiskPublish(fn func()) { s.beforeDiskPublish = fn }
